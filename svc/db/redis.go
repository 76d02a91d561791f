package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pastebin/cfg"
	"pastebin/pkg/domain"
)

const (
	pasteKeyPrefix   = "paste:"
	attemptKeyPrefix = "failed_login:"
	submitKeyPrefix  = "rl:"
)

// Redis backs the shared cache tier, the failed-attempt log and the submit
// limiter when REDIS_URL is configured.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisFromClient(client, c.RedisTimeout), nil
}

// NewRedisFromClient wraps an existing client; tests point it at miniredis.
func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}
func buildRedisTLSConfig(environment string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if host := os.Getenv("REDIS_HOSTNAME"); host != "" {
		tlsConfig.ServerName = host
	}
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrap(err, "read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	if environment != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, errors.Wrap(err, "read dev CA cert")
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, errors.New("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

type cachedPaste struct {
	ID           string    `json:"id"`
	ShortID      string    `json:"short_id"`
	Content      string    `json:"content,omitempty"`
	Ciphertext   []byte    `json:"ciphertext,omitempty"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsPrivate    bool      `json:"is_private"`
	PasswordHash string    `json:"password_hash,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	Sealed       bool      `json:"sealed,omitempty"`
	EncryptedDEK []byte    `json:"encrypted_dek,omitempty"`
}

// CachePaste stores p as it sits in the database (sealed content stays
// sealed) until ttl elapses.
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(cachedPaste{
		ID: p.ID, ShortID: p.ShortID, Content: p.Content, Ciphertext: p.Ciphertext,
		Kind: string(p.Kind), CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt,
		IsPrivate: p.IsPrivate, PasswordHash: p.PasswordHash, SizeBytes: p.SizeBytes,
		Sealed: p.Sealed, EncryptedDEK: p.EncryptedDEK,
	})
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, pasteKeyPrefix+p.ShortID, data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a cache miss.
func (r *Redis) GetPaste(ctx context.Context, shortID string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKeyPrefix+shortID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var c cachedPaste
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &domain.Paste{
		ID: c.ID, ShortID: c.ShortID, Content: c.Content, Ciphertext: c.Ciphertext,
		Kind: domain.Kind(c.Kind), CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt,
		IsPrivate: c.IsPrivate, PasswordHash: c.PasswordHash, SizeBytes: c.SizeBytes,
		Sealed: c.Sealed, EncryptedDEK: c.EncryptedDEK,
	}, nil
}
func (r *Redis) DeletePaste(ctx context.Context, shortID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, pasteKeyPrefix+shortID).Err(), "delete paste")
}

var submitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts a hit against key in a fixed window and returns the
// usage including this hit. A value above limit means the hit was refused.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := submitScript.Run(ctx, r.client, []string{submitKeyPrefix + key}, window.Milliseconds(), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

// RecordAttempt appends at to the requester's failed-attempt log.
func (r *Redis) RecordAttempt(ctx context.Context, requester string, at time.Time, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := attemptKeyPrefix + requester
	score := float64(at.UnixMilli())
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + uuid.NewString()
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.PExpire(ctx, key, window+time.Second)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "record attempt")
}

// CountAttempts drops entries at or before now-window and returns what
// remains.
func (r *Redis) CountAttempts(ctx context.Context, requester string, now time.Time, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := attemptKeyPrefix + requester
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "count attempts")
	}
	return int(card.Val()), nil
}
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
