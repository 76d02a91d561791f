package sweep

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/db"
	"pastebin/svc/util"
)

const batchSize = 100

// Evictor drops a deleted paste from any caches in front of the store.
type Evictor interface {
	Evict(ctx context.Context, p *domain.Paste)
}

// Sweeper deletes expired pastes. The ticker loop and the request hook share
// one Sweep; a sweep never runs concurrently with another.
type Sweeper struct {
	store   db.Store
	evictor Evictor
	mu      sync.Mutex
	lastRun atomic.Int64
	running atomic.Bool
}

func New(store db.Store, evictor Evictor) *Sweeper {
	return &Sweeper{store: store, evictor: evictor}
}

// Sweep deletes every paste with expires_at before now and returns how many
// went.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(ctx, now)
}
func (s *Sweeper) sweep(ctx context.Context, now time.Time) (int, error) {
	s.lastRun.Store(now.UnixNano())
	metrics.SweepCycles.Inc()
	deleted := 0
	for {
		batch, err := s.store.ListExpired(ctx, now, batchSize)
		if err != nil {
			metrics.SweepErrors.Inc()
			return deleted, errors.Wrap(err, "list expired")
		}
		for _, p := range batch {
			err := s.store.Delete(ctx, p.ShortID)
			if errors.Is(err, domain.ErrPasteNotFound) {
				// removed concurrently by an expiring read
				continue
			}
			if err != nil {
				metrics.SweepErrors.Inc()
				return deleted, errors.Wrapf(err, "delete %s", p.ShortID)
			}
			if s.evictor != nil {
				s.evictor.Evict(ctx, p)
			}
			metrics.StoreBytes.Sub(float64(p.SizeBytes))
			metrics.PasteDeleted.WithLabelValues("expired").Inc()
			deleted++
		}
		if len(batch) < batchSize {
			return deleted, nil
		}
	}
}

// Run sweeps every interval until ctx is done. A failed sweep is logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sweeper already running")
	}
	defer s.running.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweep worker shutting down")
			return nil
		case <-ticker.C:
			deleted, err := s.Sweep(ctx, time.Now())
			logSweep(ctx, deleted, err)
		}
	}
}
func logSweep(ctx context.Context, deleted int, err error) {
	if err != nil {
		util.Error().
			Err(err).
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("sweep failed")
		return
	}
	if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("sweep completed")
	}
}

// Hook sweeps before passing a request on, at most once per minGap. A zero
// gap sweeps before every request. A request never waits for a sweep that is
// already running.
func (s *Sweeper) Hook(minGap time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			if minGap <= 0 || now.UnixNano()-s.lastRun.Load() >= int64(minGap) {
				if s.mu.TryLock() {
					deleted, err := s.sweep(r.Context(), now)
					s.mu.Unlock()
					logSweep(r.Context(), deleted, err)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
