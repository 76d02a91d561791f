package cache

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pastebin/pkg/domain"
)

// LRU holds recently read pastes in the form the store returned them. An
// entry is dropped once the paste itself expires.
type LRU struct {
	c   *lru.Cache[string, item]
	now func() time.Time
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

// Get returns a copy of the cached paste, or nil.
func (l *LRU) Get(shortID string) *domain.Paste {
	it, ok := l.c.Get(shortID)
	if !ok {
		return nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(shortID)
		return nil
	}
	return it.paste.Clone()
}
func (l *LRU) Set(p *domain.Paste) {
	if !l.now().Before(p.ExpiresAt) {
		return
	}
	l.c.Add(p.ShortID, item{paste: p.Clone(), exp: p.ExpiresAt})
}
func (l *LRU) Delete(shortID string) {
	l.c.Remove(shortID)
}
func (l *LRU) Len() int {
	return l.c.Len()
}
