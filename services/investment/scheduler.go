package investment

import (
	"context"
	"time"

	"revledger/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	reconcileInterval = time.Minute
	reconcileGrace    = 30 * time.Second
	reconcileBatch    = 100
)

type Scheduler struct {
	service  *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{
		service:  svc,
		interval: reconcileInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

// startStandaloneScheduler starts the reconciler only without REDIS.ADDR; otherwise the
// task worker owns it.
func startStandaloneScheduler(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) {
	if cfg.Redis.Addr != "" {
		return
	}
	StartScheduler(lc, s)
}

func (s *Scheduler) run() {
	defer close(s.done)
	zap.L().Info("[Scheduler] started investment reconciler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			zap.L().Info("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	start := time.Now()
	n, err := s.service.ReconcilePending(ctx, reconcileGrace, reconcileBatch)
	if err != nil {
		zap.L().Error("[Scheduler] reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("[Scheduler] reconcile finished", zap.Int("recovered", n), zap.Duration("duration", time.Since(start)))
	}
}
