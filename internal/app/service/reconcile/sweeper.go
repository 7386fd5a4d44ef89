package reconcile

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meridianpress/entitlements/pkg/config"
	"github.com/meridianpress/entitlements/pkg/types"
)

// Sweeper runs the periodic reconciliation sweep. It is one background task
// on a fixed interval; the manual operator trigger goes through the same
// RunSweep code path via the admin API.
type Sweeper struct {
	svc  *Service
	cfg  *config.Config
	log  *zap.SugaredLogger
	stop chan struct{}
	done chan struct{}
}

func NewSweeper(svc *Service, cfg *config.Config, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		svc:  svc,
		cfg:  cfg,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (w *Sweeper) run() {
	defer close(w.done)

	interval := w.cfg.Reconcile.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := w.svc.RunSweep(ctx, types.TriggerSourceCron); err != nil {
				w.log.Errorw("periodic sweep failed", "err", err)
			}
			cancel()
		}
	}
}

func registerSweeper(lc fx.Lifecycle, w *Sweeper, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting reconciliation sweeper", "interval", w.cfg.Reconcile.SweepInterval)
			go w.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(w.stop)
			select {
			case <-w.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			log.Infow("reconciliation sweeper stopped")
			return nil
		},
	})
}
