package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"pastebin/svc/db"
	"pastebin/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	window          = time.Minute
)

// Limiter throttles submissions per requester. With Redis configured the
// count is a fixed one-minute window shared by every process; otherwise a
// token bucket per requester refills at perMinute/60 tokens a second.
type Limiter struct {
	rdb               *db.Redis
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	perMinute         int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	limit      int
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(perMinute int, rdb *db.Redis, trustedProxies []string) (*Limiter, error) {
	if perMinute <= 0 {
		return nil, errors.New("perMinute must be positive")
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	l := &Limiter{
		rdb:            rdb,
		trustedProxies: trustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		perMinute:      perMinute,
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l, nil
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters(time.Now())
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters(now time.Time) {
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}
func (l *Limiter) RealIP(r *http.Request) string {
	return GetRealIP(r, l.trustedProxies)
}
func (l *Limiter) currentLimit() int {
	limit := l.perMinute
	if l.isAdaptiveMode() {
		limit /= 2
		if limit < 1 {
			limit = 1
		}
	}
	return limit
}

// Allow counts one hit for requester on endpoint. Redis errors fall back
// to the local limiter.
func (l *Limiter) Allow(ctx context.Context, requester, endpoint string) Result {
	limit := l.currentLimit()
	now := time.Now()
	if l.rdb != nil {
		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		usage, err := l.rdb.RateLimit(rctx, endpoint+":"+requester, limit, window)
		if err == nil {
			remaining := limit - usage
			if remaining < 0 {
				remaining = 0
			}
			return Result{Allowed: usage <= limit, Limit: limit, Remaining: remaining, Reset: now.Add(window)}
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
	}
	return l.allowLocal(requester, endpoint, limit, now)
}
func (l *Limiter) allowLocal(requester, endpoint string, limit int, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.localLimiters) >= (maxLimiters*9)/10 {
		if toEvict := len(l.localLimiters) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := endpoint + ":" + requester
	entry, exists := l.localLimiters[key]
	if !exists {
		if len(l.localLimiters) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.localLimiters)).
				Str("ip", util.RedactIP(requester)).
				Msg("rate limiter at capacity, rejecting request")
			return Result{Allowed: false, Limit: limit, Reset: now.Add(window)}
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
			limit:   limit,
		}
		l.localLimiters[key] = entry
	} else if entry.limit != limit {
		entry.limiter.SetLimitAt(now, rate.Limit(float64(limit)/window.Seconds()))
		entry.limiter.SetBurstAt(now, limit)
		entry.limit = limit
	}
	entry.lastAccess = now
	if !entry.limiter.AllowN(now, 1) {
		return Result{Allowed: false, Limit: limit, Reset: now.Add(window)}
	}
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: now.Add(window)}
}
func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.localLimiters, entries[i].key)
	}
}

// GetRealIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. The header is ignored unless the direct peer
// is itself trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
