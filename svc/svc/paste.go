package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"pastebin/cfg"
	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/access"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"pastebin/svc/util"
)

type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

// Sealer encrypts content at rest. The short id is bound into every
// ciphertext.
type Sealer interface {
	Seal(ctx context.Context, shortID string, plaintext []byte) (ciphertext, wrappedDEK []byte, err error)
	Open(ctx context.Context, shortID string, ciphertext, wrappedDEK []byte) ([]byte, error)
	Forget(shortID string, wrappedDEK []byte)
}

// Paste runs the paste lifecycle on top of the store and the two cache
// tiers. Pastes travel through the caches in stored form; sealed content is
// opened only when a caller is allowed to see it.
type Paste struct {
	store    db.Store
	lru      *cache.LRU
	rdb      *db.Redis
	hasher   Hasher
	policy   *access.Policy
	sealer   Sealer
	cfg      *cfg.Cfg
	group    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

// NewPaste wires the service. rdb and sealer may be nil; a nil sealer with
// EncryptAtRest set is a configuration error.
func NewPaste(store db.Store, lru *cache.LRU, rdb *db.Redis, h Hasher, policy *access.Policy, sealer Sealer, c *cfg.Cfg) (*Paste, error) {
	if store == nil || lru == nil || h == nil || policy == nil || c == nil {
		return nil, errors.New("paste service: nil dependency (store, lru, hasher, policy or cfg)")
	}
	if c.EncryptAtRest && sealer == nil {
		return nil, errors.New("paste service: ENCRYPT_AT_REST needs a sealer")
	}
	return &Paste{
		store:  store,
		lru:    lru,
		rdb:    rdb,
		hasher: h,
		policy: policy,
		sealer: sealer,
		cfg:    c,
	}, nil
}

// Shutdown refuses new writes and waits for running ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("paste operations didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

// Create validates and stores a new paste. A private paste without a
// password is stored public.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrUnavailable
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if domain.ContentChars(params.Content) > p.cfg.Limits.MaxContentChars {
		return nil, domain.ErrContentTooLarge
	}
	kind, ok := domain.ParseKind(string(params.Kind))
	if !ok {
		return nil, domain.ErrInvalidRequest
	}
	if params.IsPrivate && params.Password == "" {
		params.IsPrivate = false
	}
	if !params.IsPrivate {
		params.Password = ""
	}
	size := int64(len(params.Content))
	total, err := p.store.TotalSizeBytes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "store size")
	}
	if total+size > p.cfg.Limits.MaxStoreBytes {
		util.Warn().
			Int64("total", total).
			Int64("size", size).
			Msg("store capacity reached, rejecting paste")
		return nil, domain.ErrStoreFull
	}
	if domain.ContentChars(params.Password) > p.cfg.Limits.MaxPasswordLength {
		return nil, domain.ErrPasswordTooLong
	}

	var pwHash string
	if params.IsPrivate {
		pwHash, err = p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}

	now := time.Now().UTC()
	paste := &domain.Paste{
		ID:           util.NewPasteID(),
		Content:      params.Content,
		Kind:         kind,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.cfg.Limits.Retention),
		IsPrivate:    params.IsPrivate,
		PasswordHash: pwHash,
		SizeBytes:    size,
	}
	if err := p.insert(ctx, paste); err != nil {
		return nil, err
	}
	metrics.StoreBytes.Set(float64(total + size))
	metrics.PasteCreated.WithLabelValues(string(kind), visibility(paste)).Inc()
	stored := paste.Clone()
	if stored.Sealed {
		stored.Content = ""
	}
	p.lru.Set(stored)
	p.cacheRemote(ctx, stored)
	util.Info().
		Str("short_id", paste.ShortID).
		Str("kind", string(kind)).
		Bool("private", paste.IsPrivate).
		Int64("size", size).
		Str("ip", util.RedactIP(params.Requester)).
		Msg("paste created")
	return paste, nil
}

// insert draws a short id and writes the row. A unique violation from a
// concurrent writer draws again, up to ShortIDMaxRetries.
func (p *Paste) insert(ctx context.Context, paste *domain.Paste) error {
	retries := p.cfg.ShortIDMaxRetries
	exists := func(id string) (bool, error) {
		return p.store.Exists(ctx, id)
	}
	for attempt := 0; attempt < retries; attempt++ {
		shortID, err := util.GenShortID(exists, retries)
		if util.IsIDExhausted(err) {
			util.Error().Err(err).Msg("short id generation exhausted")
			return domain.ErrIdentifierExhausted
		}
		if err != nil {
			return errors.Wrap(err, "gen short id")
		}
		paste.ShortID = shortID
		if err := p.seal(ctx, paste); err != nil {
			return err
		}
		err = p.store.Create(ctx, paste)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrDuplicateIdentifier) {
			return errors.Wrap(err, "create paste")
		}
		util.Debug().Str("short_id", shortID).Msg("short id taken on insert, retrying")
	}
	return domain.ErrIdentifierExhausted
}
func (p *Paste) seal(ctx context.Context, paste *domain.Paste) error {
	if !p.cfg.EncryptAtRest {
		return nil
	}
	ct, wrapped, err := p.sealer.Seal(ctx, paste.ShortID, []byte(paste.Content))
	if err != nil {
		return errors.Wrap(err, "seal content")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	paste.Sealed = true
	paste.Ciphertext = ct
	paste.EncryptedDEK = wrapped
	return nil
}

// Lookup resolves shortID through the LRU, Redis and the store. An expired
// paste is deleted on the spot and reported as ErrPasteExpired. The returned
// paste is in stored form.
func (p *Paste) Lookup(ctx context.Context, shortID string, now time.Time) (*domain.Paste, error) {
	if !util.ValidShortID(shortID) {
		return nil, domain.ErrPasteNotFound
	}
	paste, err := p.fetch(ctx, shortID)
	if err != nil {
		return nil, err
	}
	if paste.Expired(now) {
		p.expire(ctx, paste)
		return nil, domain.ErrPasteExpired
	}
	return paste, nil
}
func (p *Paste) fetch(ctx context.Context, shortID string) (*domain.Paste, error) {
	if paste := p.lru.Get(shortID); paste != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return paste, nil
	}
	v, err, _ := p.group.Do(shortID, func() (interface{}, error) {
		if p.rdb != nil {
			paste, err := p.rdb.GetPaste(ctx, shortID)
			if err != nil {
				util.Warn().Err(err).Str("short_id", shortID).Msg("redis read failed, falling back to store")
			} else if paste != nil {
				metrics.CacheHits.WithLabelValues("redis").Inc()
				p.lru.Set(paste)
				return paste, nil
			}
		}
		metrics.CacheMisses.Inc()
		paste, err := p.store.Get(ctx, shortID)
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		if err != nil {
			return nil, errors.Wrap(err, "get paste")
		}
		p.lru.Set(paste)
		p.cacheRemote(ctx, paste)
		return paste, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Paste).Clone(), nil
}
func (p *Paste) cacheRemote(ctx context.Context, paste *domain.Paste) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.CachePaste(ctx, paste, time.Until(paste.ExpiresAt)); err != nil {
		util.Warn().Err(err).Str("short_id", paste.ShortID).Msg("failed to cache in redis")
	}
}
func (p *Paste) expire(ctx context.Context, paste *domain.Paste) {
	err := p.store.Delete(ctx, paste.ShortID)
	switch {
	case errors.Is(err, domain.ErrPasteNotFound):
	case err != nil:
		util.Warn().Err(err).Str("short_id", paste.ShortID).Msg("failed to delete expired paste")
	default:
		metrics.PasteDeleted.WithLabelValues("expired_read").Inc()
		metrics.StoreBytes.Sub(float64(paste.SizeBytes))
	}
	p.Evict(ctx, paste)
}

// Evict drops paste from both cache tiers and forgets its data key.
func (p *Paste) Evict(ctx context.Context, paste *domain.Paste) {
	p.lru.Delete(paste.ShortID)
	if p.rdb != nil {
		if err := p.rdb.DeletePaste(ctx, paste.ShortID); err != nil {
			util.Warn().Err(err).Str("short_id", paste.ShortID).Msg("failed to delete from redis")
		}
	}
	if paste.Sealed && p.sealer != nil {
		p.sealer.Forget(paste.ShortID, paste.EncryptedDEK)
	}
}

// View returns the paste with readable content if requester may see it.
// password is ignored for public pastes. On a denial the paste comes back
// without content alongside the error so a prompt can show its metadata.
func (p *Paste) View(ctx context.Context, shortID, password, requester string, now time.Time) (*domain.Paste, error) {
	paste, err := p.Lookup(ctx, shortID, now)
	if err != nil {
		return nil, err
	}
	if d := p.policy.CheckView(ctx, paste, password, requester, now); !d.Allowed {
		return withoutContent(paste), d.Err()
	}
	return p.reveal(ctx, paste)
}

// ViewUnlocked serves a private paste to a requester holding a valid unlock
// session. Lockout still applies.
func (p *Paste) ViewUnlocked(ctx context.Context, shortID, requester string, now time.Time) (*domain.Paste, error) {
	paste, err := p.Lookup(ctx, shortID, now)
	if err != nil {
		return nil, err
	}
	if d := p.policy.CheckUnlocked(ctx, paste, requester, now); !d.Allowed {
		return withoutContent(paste), d.Err()
	}
	return p.reveal(ctx, paste)
}

// Delete removes a private paste after the owner proves the password.
func (p *Paste) Delete(ctx context.Context, shortID, password, requester string, now time.Time) error {
	paste, err := p.Lookup(ctx, shortID, now)
	if err != nil {
		return err
	}
	if d := p.policy.CheckDelete(ctx, paste, password, requester, now); !d.Allowed {
		return d.Err()
	}
	if err := p.store.Delete(ctx, shortID); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			p.Evict(ctx, paste)
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "delete paste")
	}
	p.Evict(ctx, paste)
	metrics.PasteDeleted.WithLabelValues("owner").Inc()
	metrics.StoreBytes.Sub(float64(paste.SizeBytes))
	util.Info().
		Str("short_id", shortID).
		Str("ip", util.RedactIP(requester)).
		Msg("paste deleted by owner")
	return nil
}

// RefreshStoreBytes resets the size gauge from the store.
func (p *Paste) RefreshStoreBytes(ctx context.Context) error {
	total, err := p.store.TotalSizeBytes(ctx)
	if err != nil {
		return errors.Wrap(err, "store size")
	}
	metrics.StoreBytes.Set(float64(total))
	return nil
}
func (p *Paste) reveal(ctx context.Context, paste *domain.Paste) (*domain.Paste, error) {
	metrics.PasteViewed.Inc()
	if !paste.Sealed {
		return paste, nil
	}
	if p.sealer == nil {
		return nil, errors.Errorf("paste %s is sealed but no sealer is configured", paste.ShortID)
	}
	pt, err := p.sealer.Open(ctx, paste.ShortID, paste.Ciphertext, paste.EncryptedDEK)
	if err != nil {
		return nil, errors.Wrap(err, "open content")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	paste.Content = string(pt)
	return paste, nil
}
func withoutContent(paste *domain.Paste) *domain.Paste {
	cp := paste.Clone()
	cp.Content = ""
	cp.Ciphertext = nil
	cp.PasswordHash = ""
	return cp
}
func visibility(p *domain.Paste) string {
	if p.IsPrivate {
		return "private"
	}
	return "public"
}
