package lim

import (
	"context"
	"sync"
	"time"

	"pastebin/svc/db"
)

// AttemptStore keeps failed password attempts per requester. Count prunes
// entries older than the trailing window before counting.
type AttemptStore interface {
	Record(ctx context.Context, requester string, at time.Time) error
	Count(ctx context.Context, requester string, now time.Time) (int, error)
}

// MemoryAttempts is process-local; deployments running more than one
// process need RedisAttempts.
type MemoryAttempts struct {
	window time.Duration
	mu     sync.Mutex
	log    map[string][]time.Time
}

func NewMemoryAttempts(window time.Duration) *MemoryAttempts {
	return &MemoryAttempts{window: window, log: make(map[string][]time.Time)}
}
func (m *MemoryAttempts) Record(_ context.Context, requester string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log[requester] = append(m.log[requester], at)
	return nil
}
func (m *MemoryAttempts) Count(_ context.Context, requester string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := prune(m.log[requester], now.Add(-m.window))
	if len(kept) == 0 {
		delete(m.log, requester)
		return 0, nil
	}
	m.log[requester] = kept
	return len(kept), nil
}

// Prune drops every requester whose attempts have all aged out.
func (m *MemoryAttempts) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.window)
	removed := 0
	for k, v := range m.log {
		kept := prune(v, cutoff)
		if len(kept) == 0 {
			delete(m.log, k)
			removed++
			continue
		}
		m.log[k] = kept
	}
	return removed
}

// Run prunes idle requesters every interval until ctx is done.
func (m *MemoryAttempts) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Prune(now)
		}
	}
}
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[i] = t
			i++
		}
	}
	return ts[:i]
}

type RedisAttempts struct {
	rdb    *db.Redis
	window time.Duration
}

func NewRedisAttempts(rdb *db.Redis, window time.Duration) *RedisAttempts {
	return &RedisAttempts{rdb: rdb, window: window}
}
func (r *RedisAttempts) Record(ctx context.Context, requester string, at time.Time) error {
	return r.rdb.RecordAttempt(ctx, requester, at, r.window)
}
func (r *RedisAttempts) Count(ctx context.Context, requester string, now time.Time) (int, error) {
	return r.rdb.CountAttempts(ctx, requester, now, r.window)
}
