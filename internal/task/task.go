package task

import (
	"context"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule 每分钟
	DefaultSchedule = "* * * * *"
	// DefaultBatchSize 单次扫描上限
	DefaultBatchSize = 100

	jobTimeout = 50 * time.Second
)

// WebhookRetrier 重发到期的 webhook
type WebhookRetrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

// FollowUpSender 发送到期的延迟跟进
type FollowUpSender interface {
	SendDue(ctx context.Context, limit int) (int, error)
}

// Scheduler 后台定时任务
type Scheduler struct {
	cron      *cron.Cron
	webhooks  WebhookRetrier
	followUps FollowUpSender
	batchSize int
}

func NewScheduler(webhooks WebhookRetrier, followUps FollowUpSender) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		webhooks:  webhooks,
		followUps: followUps,
		batchSize: DefaultBatchSize,
	}
}

// Start 注册任务并启动调度
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if s.webhooks != nil {
		if _, err := s.cron.AddFunc(schedule, s.RetryWebhooks); err != nil {
			return fmt.Errorf("add webhook retry job: %w", err)
		}
	}
	if s.followUps != nil {
		if _, err := s.cron.AddFunc(schedule, s.SendFollowUps); err != nil {
			return fmt.Errorf("add follow-up job: %w", err)
		}
	}
	s.cron.Start()
	logger.Info("background jobs started", zap.String("schedule", schedule))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("background jobs stopped")
}

// RetryWebhooks 一次 webhook 重试扫描
func (s *Scheduler) RetryWebhooks() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.webhooks.RetryDue(ctx, s.batchSize)
	if err != nil {
		logger.Error("webhook retry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("webhook retry sweep", zap.Int("retried", n))
	}
}

// SendFollowUps 一次延迟跟进扫描
func (s *Scheduler) SendFollowUps() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.followUps.SendDue(ctx, s.batchSize)
	if err != nil {
		logger.Error("follow-up sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("follow-up sweep", zap.Int("sent", n))
	}
}
