package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Target 需要定期维护的协作服务
type Target interface {
	SweepIdleRooms(ctx context.Context, now time.Time) []string
	SnapshotAll(ctx context.Context) int
}

type Config struct {
	// cron 表达式，为空则不调度该任务
	SweepSpec    string
	SnapshotSpec string
	// 单次任务的超时
	Timeout time.Duration
}

// Maintenance 定期回收空闲房间、给有改动的房间写快照
type Maintenance struct {
	target Target
	cfg    Config
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time
}

func NewMaintenance(target Target, cfg Config, logger *zap.Logger) *Maintenance {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{
		target: target,
		cfg:    cfg,
		// 上一轮没跑完就跳过本轮
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		now:    time.Now,
	}
}

func (m *Maintenance) Start() error {
	if m.cfg.SweepSpec != "" {
		if _, err := m.cron.AddFunc(m.cfg.SweepSpec, func() { m.RunSweep(context.Background()) }); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", m.cfg.SweepSpec, err)
		}
	}
	if m.cfg.SnapshotSpec != "" {
		if _, err := m.cron.AddFunc(m.cfg.SnapshotSpec, func() { m.RunSnapshots(context.Background()) }); err != nil {
			return fmt.Errorf("schedule snapshots %q: %w", m.cfg.SnapshotSpec, err)
		}
	}
	m.cron.Start()
	m.logger.Info("maintenance started",
		zap.String("sweep", m.cfg.SweepSpec), zap.String("snapshot", m.cfg.SnapshotSpec))
	return nil
}

// Stop 等待正在执行的任务结束
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("maintenance stopped")
}

func (m *Maintenance) RunSweep(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	swept := m.target.SweepIdleRooms(ctx, m.now())
	if len(swept) > 0 {
		m.logger.Info("idle rooms closed", zap.Int("count", len(swept)))
	}
	return swept
}

func (m *Maintenance) RunSnapshots(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	n := m.target.SnapshotAll(ctx)
	m.logger.Debug("snapshots written", zap.Int("count", n))
	return n
}
