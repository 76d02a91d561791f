package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DEKCache keeps unwrapped data keys for ttl so hot sealed pastes do not
// round-trip to the KMS on every read. Concurrent misses for the same key
// share one unwrap call.
type DEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}
type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
}

func NewDEKCache(adapter *Adapter, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the data key; callers may wipe it.
func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, encContext)
	if v, ok := c.cache.Load(key); ok {
		entry := v.(*cachedDEK)
		if time.Now().Before(entry.expiresAt) {
			return append([]byte(nil), entry.dek...), nil
		}
		c.cache.Delete(key)
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		dek, err := c.adapter.UnwrapKey(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, &cachedDEK{
			dek:       append([]byte(nil), dek...),
			expiresAt: time.Now().Add(c.ttl),
		})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}
func (c *DEKCache) Forget(wrapped []byte, encContext EncryptionContext) {
	key := cacheKey(wrapped, encContext)
	if v, ok := c.cache.LoadAndDelete(key); ok {
		wipeBytes(v.(*cachedDEK).dek)
	}
}
func (c *DEKCache) Len() int {
	n := 0
	c.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(serializeEncryptionContext(encContext))
	h.Write([]byte{0})
	h.Write(wrapped)
	return hex.EncodeToString(h.Sum(nil))
}
func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}
func (c *DEKCache) evictExpired(now time.Time) {
	c.cache.Range(func(key, value interface{}) bool {
		if entry := value.(*cachedDEK); now.After(entry.expiresAt) {
			c.cache.Delete(key)
			wipeBytes(entry.dek)
		}
		return true
	})
}
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()
	c.cache.Range(func(key, value interface{}) bool {
		wipeBytes(value.(*cachedDEK).dek)
		c.cache.Delete(key)
		return true
	})
}
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
