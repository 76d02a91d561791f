package lim

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/svc/db"
)

func newTestRedis(t *testing.T) (*db.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := db.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func attemptStores(t *testing.T) map[string]AttemptStore {
	rdb, _ := newTestRedis(t)
	return map[string]AttemptStore{
		"memory": NewMemoryAttempts(time.Minute),
		"redis":  NewRedisAttempts(rdb, time.Minute),
	}
}

func TestAttemptWindow(t *testing.T) {
	for name, store := range attemptStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Now()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.Record(ctx, "198.51.100.7", t0.Add(time.Duration(i)*time.Second)))
			}
			n, err := store.Count(ctx, "198.51.100.7", t0.Add(5*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			n, err = store.Count(ctx, "203.0.113.1", t0)
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = store.Count(ctx, "198.51.100.7", t0.Add(62*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = store.Count(ctx, "198.51.100.7", t0.Add(65*time.Second))
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMemoryAttemptsPrune(t *testing.T) {
	m := NewMemoryAttempts(time.Minute)
	t0 := time.Now()
	require.NoError(t, m.Record(context.Background(), "a", t0))
	require.NoError(t, m.Record(context.Background(), "b", t0.Add(50*time.Second)))
	assert.Equal(t, 1, m.Prune(t0.Add(70*time.Second)))
	assert.Len(t, m.log, 1)
}

func TestMemoryAttemptsConcurrent(t *testing.T) {
	m := NewMemoryAttempts(time.Minute)
	var wg sync.WaitGroup
	now := time.Now()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Record(context.Background(), "x", now)
			_, _ = m.Count(context.Background(), "x", now)
		}()
	}
	wg.Wait()
	n, err := m.Count(context.Background(), "x", now)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestLimiterLocal(t *testing.T) {
	l, err := New(5, nil, nil)
	require.NoError(t, err)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed, "hit %d", i)
	}
	res := l.Allow(ctx, "192.0.2.1", "submit")
	assert.False(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.True(t, l.Allow(ctx, "192.0.2.2", "submit").Allowed)
}

func TestLimiterRedis(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l, err := New(5, rdb, nil)
	require.NoError(t, err)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	}
	assert.False(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	assert.True(t, l.Allow(ctx, "192.0.2.9", "submit").Allowed)

	mr.FastForward(61 * time.Second)
	assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
}

func TestLimiterRedisFallback(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l, err := New(2, rdb, nil)
	require.NoError(t, err)
	defer l.Stop()
	mr.Close()
	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	assert.False(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
}

func TestLimiterAdaptiveMode(t *testing.T) {
	l, err := New(4, nil, nil)
	require.NoError(t, err)
	defer l.Stop()
	l.TriggerAdaptiveMode()
	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	assert.True(t, l.Allow(ctx, "192.0.2.1", "submit").Allowed)
	res := l.Allow(ctx, "192.0.2.1", "submit")
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
}

func TestNewRejectsBadProxies(t *testing.T) {
	_, err := New(5, nil, []string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = New(5, nil, []string{"not-an-ip"})
	assert.Error(t, err)
	_, err = New(0, nil, nil)
	assert.Error(t, err)
}

func TestGetRealIP(t *testing.T) {
	proxies := []string{"10.0.0.0/8", "192.168.1.1"}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "203.0.113.5"},
		{"untrusted peer ignores header", "203.0.113.5:1234", "1.1.1.1", "203.0.113.5"},
		{"trusted peer", "10.1.2.3:80", "198.51.100.1", "198.51.100.1"},
		{"chain skips trusted hops", "10.1.2.3:80", "198.51.100.1, 192.168.1.1, 10.9.9.9", "198.51.100.1"},
		{"spoofed left entry", "10.1.2.3:80", "6.6.6.6, 198.51.100.1", "198.51.100.1"},
		{"garbage", "10.1.2.3:80", "nope, , 10.0.0.1", "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, GetRealIP(r, proxies))
		})
	}
}

func TestAnomalyDetector(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	d.AdvanceWindow()
	assert.Zero(t, fired)
	for i := 0; i < 5; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	d.AdvanceWindow()
	assert.Equal(t, 1, fired)
}
