package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv 加载 .env 以及 .env.<env>，后者覆盖前者
func LoadEnv(env string) error {
	files := []string{}
	if env != "" {
		if _, err := os.Stat(".env." + env); err == nil {
			files = append(files, ".env."+env)
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		files = append(files, ".env")
	}
	if len(files) == 0 {
		return fmt.Errorf("no env file found for %q", env)
	}
	// godotenv.Load 不覆盖已存在变量，先加载的优先
	return godotenv.Load(files...)
}

func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func GetBoolEnv(key string) bool {
	v, err := strconv.ParseBool(GetEnv(key))
	if err != nil {
		return false
	}
	return v
}

func GetIntEnv(key string) int64 {
	v, err := strconv.ParseInt(GetEnv(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandText 生成随机字符串
func RandText(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			b[i] = letters[i%len(letters)]
			continue
		}
		b[i] = letters[idx.Int64()]
	}
	return string(b)
}
