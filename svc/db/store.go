package db

import (
	"context"
	"time"

	"pastebin/pkg/domain"
)

// Store persists pastes. Get returns expired rows as well; deciding what an
// expired paste means is left to the caller. Delete of a missing row returns
// domain.ErrPasteNotFound.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, shortID string) (*domain.Paste, error)
	Delete(ctx context.Context, shortID string) error
	Exists(ctx context.Context, shortID string) (bool, error)
	TotalSizeBytes(ctx context.Context) (int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Paste, error)
	Ping(ctx context.Context) error
	Close() error
}

func storedContent(p *domain.Paste) []byte {
	if p.Sealed {
		return p.Ciphertext
	}
	return []byte(p.Content)
}
func loadContent(p *domain.Paste, raw []byte) {
	if p.Sealed {
		p.Ciphertext = raw
		p.Content = ""
		return
	}
	p.Content = string(raw)
}
