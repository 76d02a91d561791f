package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"pastebin/pkg/domain"
	"pastebin/svc/util"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
)

const pasteColumns = `id, short_id, content, kind, created_at, expires_at, is_private,
	COALESCE(password_hash, ''), size_bytes, sealed, encrypted_dek`

// SQLite is the default Store. Timestamps are kept as unix milliseconds so
// range scans on expires_at compare numerically.
type SQLite struct {
	db            *sql.DB
	path          string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}
func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		path:         path,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) migrate(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "exec %q", p)
		}
	}
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return errors.Wrap(err, "goose provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "goose up")
	}
	for _, r := range results {
		util.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("applied migration")
	}
	return nil
}
func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		util.Error().Int32("failures", failures).Msg("sqlite circuit breaker opened")
	}
}
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, short_id, content, kind, created_at, expires_at, is_private, password_hash, size_bytes, sealed, encrypted_dek)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var hash interface{}
	if p.PasswordHash != "" {
		hash = p.PasswordHash
	}
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.ShortID, storedContent(p), string(p.Kind),
		p.CreatedAt.UnixMilli(), p.ExpiresAt.UnixMilli(), p.IsPrivate,
		hash, p.SizeBytes, p.Sealed, p.EncryptedDEK,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdentifier
	}
	return errors.Wrap(err, "db create")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p                domain.Paste
		kind             string
		created, expires int64
		raw              []byte
	)
	err := row.Scan(&p.ID, &p.ShortID, &raw, &kind, &created, &expires, &p.IsPrivate,
		&p.PasswordHash, &p.SizeBytes, &p.Sealed, &p.EncryptedDEK)
	if err != nil {
		return nil, err
	}
	p.Kind = domain.Kind(kind)
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.ExpiresAt = time.UnixMilli(expires).UTC()
	loadContent(&p, raw)
	return &p, nil
}
func (s *SQLite) Get(ctx context.Context, shortID string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes WHERE short_id = ?`, shortID)
	p, err := scanPaste(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}
func (s *SQLite) Delete(ctx context.Context, shortID string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE short_id = ?`, shortID)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}
func (s *SQLite) Exists(ctx context.Context, shortID string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE short_id = ? LIMIT 1`, shortID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}
func (s *SQLite) TotalSizeBytes(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var total int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COALESCE(SUM(size_bytes), 0) FROM pastes`).Scan(&total)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "total size")
	}
	return total, nil
}
func (s *SQLite) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT `+pasteColumns+` FROM pastes WHERE expires_at < ? ORDER BY expires_at LIMIT ?`,
		now.UnixMilli(), limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list expired")
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan expired")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list expired rows")
}
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
