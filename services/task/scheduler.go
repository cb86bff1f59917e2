package task

import (
	"context"
	"time"

	"postpilot-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// refreshEvery spaces the periodic credential refresh; the fast tick only
// drives rules, loops, queue drains, and due unfollows.
const refreshEvery = time.Hour

// Scheduler replaces an in-process cron: it ticks on a fixed interval and
// enqueues one pass per concern. Due-ness itself lives on the rows, so a
// restart or a second scheduler never double-runs work.
type Scheduler struct {
	service *Service
	tick    time.Duration

	lastRefresh time.Time
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{service: svc, tick: cfg.Engine.SchedulerTick}
}

// StartScheduler runs the tick loop for the lifetime of the application.
// Shutdown cancels the loop's context so the goroutine exits with the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("scheduler started", zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.enqueuePasses()
		case <-ctx.Done():
			zap.L().Warn("scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) enqueuePasses() {
	types := []string{TypeRuleRun, TypeLoopRun, TypeQueueProcess, TypeUnfollowProcess}
	if time.Since(s.lastRefresh) >= refreshEvery {
		types = append(types, TypeCredentialRefresh)
		s.lastRefresh = time.Now()
	}

	for _, t := range types {
		if err := s.service.Enqueue(t); err != nil {
			zap.L().Error("enqueue failed", zap.String("task_type", t), zap.Error(err))
		}
	}
}
