// Package watchdog runs the periodic reconcilers: the SLA compensation scan
// and the stale-session reaper. Ticks may overlap with in-flight deliveries
// and with each other; correctness comes from the idempotency guards in the
// compensation path, not from mutual exclusion.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/metrics"
	"github.com/mirelle/photoset/internal/models"
)

type FavoriteStore interface {
	ListSLABreached(ctx context.Context, now time.Time) ([]models.Favorite, error)
}

type SessionStore interface {
	AbandonIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Compensator interface {
	Compensate(ctx context.Context, fav *models.Favorite, reason models.CompensationReason) (bool, error)
}

type Watchdog struct {
	cfg       config.Config
	log       *slog.Logger
	favorites FavoriteStore
	sessions  SessionStore
	comp      Compensator
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg config.Config, log *slog.Logger, favorites FavoriteStore, sessions SessionStore, comp Compensator, m *metrics.Metrics) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		log:       log,
		favorites: favorites,
		sessions:  sessions,
		comp:      comp,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error("watchdog sweep", "err", err)
			}
		}
	}
}

// Sweep runs one pass of both reconcilers and reports how many favorites were
// actually compensated. Running it twice against the same state compensates
// nothing new the second time.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.now()

	breached, err := w.favorites.ListSLABreached(ctx, now)
	if err != nil {
		return 0, err
	}
	compensated := 0
	for i := range breached {
		fav := &breached[i]
		issued, err := w.comp.Compensate(ctx, fav, models.ReasonSLABreach)
		if err != nil {
			w.log.Error("compensate breached favorite", "favorite_id", fav.ID, "err", err)
			continue
		}
		if issued {
			compensated++
		}
	}
	if len(breached) > 0 {
		w.log.Info("sla sweep finished", "breached", len(breached), "compensated", compensated)
	}

	abandoned, err := w.sessions.AbandonIdleBefore(ctx, now.Add(-w.cfg.SessionAbandonAfter))
	if err != nil {
		return compensated, err
	}
	if abandoned > 0 {
		if w.metrics != nil {
			w.metrics.SessionsAbandoned.Add(float64(abandoned))
		}
		w.log.Info("stale sessions abandoned", "count", abandoned)
	}
	return compensated, nil
}
