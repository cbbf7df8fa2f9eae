package bootstrap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/code-100-precent/LingDesk/internal/models"
	"github.com/code-100-precent/LingDesk/pkg/config"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/code-100-precent/LingDesk/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options 启动时数据库准备步骤
type Options struct {
	InitSQLPath string // 可选的 .sql 脚本
	AutoMigrate bool
	SeedNonProd bool // 非生产环境写入演示 agent 与跟进模板
}

// SetupDatabase 连接 -> 执行初始化脚本 -> 迁移 -> 演示数据
func SetupDatabase(logWriter io.Writer, opts *Options) (*gorm.DB, error) {
	if opts == nil {
		opts = &Options{AutoMigrate: true, SeedNonProd: true}
	}
	cfg := config.GlobalConfig

	db, err := utils.InitDatabase(logWriter, cfg.DBDriver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.DBDriver, err)
	}

	if opts.InitSQLPath != "" {
		if err := RunInitSQL(db, opts.InitSQLPath); err != nil {
			return nil, fmt.Errorf("init sql %s: %w", opts.InitSQLPath, err)
		}
		logger.Info("init sql applied", zap.String("path", opts.InitSQLPath))
	}

	if opts.AutoMigrate {
		if err := utils.MakeMigrates(db, models.AllModels()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("desk tables migrated", zap.String("driver", cfg.DBDriver))
	}

	if opts.SeedNonProd && !cfg.IsProduction() {
		seeder := &SeedService{db: db}
		if err := seeder.SeedAll(); err != nil {
			return nil, fmt.Errorf("seed demo agent: %w", err)
		}
	}
	return db, nil
}

// RunInitSQL 按分号切分语句逐条执行；忽略空行与 -- / # 注释。脚本需自行保证幂等
func RunInitSQL(db *gorm.DB, path string) error {
	if db == nil {
		return errors.New("bootstrap: nil db")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var stmt strings.Builder
	exec := func() error {
		s := strings.TrimSpace(stmt.String())
		stmt.Reset()
		if s == "" {
			return nil
		}
		return db.Exec(s).Error
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "#") {
			continue
		}
		stmt.WriteString(line)
		stmt.WriteByte('\n')
		if strings.HasSuffix(line, ";") {
			if err := exec(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// 末尾没有分号的语句
	return exec()
}
