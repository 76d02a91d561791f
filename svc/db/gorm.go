package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pastebin/pkg/domain"
)

type pasteRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ShortID      string    `gorm:"size:16;not null;uniqueIndex:idx_pastes_short_id"`
	Content      []byte    `gorm:"not null"`
	Kind         string    `gorm:"size:8;not null;default:text"`
	CreatedAt    time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index:idx_pastes_expires_at"`
	IsPrivate    bool      `gorm:"not null;default:false"`
	PasswordHash *string   `gorm:"size:255"`
	SizeBytes    int64     `gorm:"not null;default:0"`
	Sealed       bool      `gorm:"not null;default:false"`
	EncryptedDEK []byte
}

func (pasteRecord) TableName() string { return "pastes" }

func toRecord(p *domain.Paste) *pasteRecord {
	r := &pasteRecord{
		ID:           p.ID,
		ShortID:      p.ShortID,
		Content:      storedContent(p),
		Kind:         string(p.Kind),
		CreatedAt:    p.CreatedAt.UTC(),
		ExpiresAt:    p.ExpiresAt.UTC(),
		IsPrivate:    p.IsPrivate,
		SizeBytes:    p.SizeBytes,
		Sealed:       p.Sealed,
		EncryptedDEK: p.EncryptedDEK,
	}
	if p.PasswordHash != "" {
		h := p.PasswordHash
		r.PasswordHash = &h
	}
	return r
}
func (r *pasteRecord) toPaste() *domain.Paste {
	p := &domain.Paste{
		ID:           r.ID,
		ShortID:      r.ShortID,
		Kind:         domain.Kind(r.Kind),
		CreatedAt:    r.CreatedAt.UTC(),
		ExpiresAt:    r.ExpiresAt.UTC(),
		IsPrivate:    r.IsPrivate,
		SizeBytes:    r.SizeBytes,
		Sealed:       r.Sealed,
		EncryptedDEK: r.EncryptedDEK,
	}
	if r.PasswordHash != nil {
		p.PasswordHash = *r.PasswordHash
	}
	loadContent(p, r.Content)
	return p
}

// Gorm is the Store for server databases (Postgres, MySQL).
type Gorm struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, errors.Errorf("unsupported gorm driver %q", driver)
	}
}
func OpenGorm(driver, dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Gorm, error) {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}
	g, err := NewGorm(dialector, queryTimeout)
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "gorm sql handle")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return g, nil
}

// NewGorm opens dialector and migrates the pastes table.
func NewGorm(dialector gorm.Dialector, queryTimeout time.Duration) (*Gorm, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm open")
	}
	if err := db.AutoMigrate(&pasteRecord{}); err != nil {
		return nil, errors.Wrap(err, "gorm automigrate")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Gorm{db: db, queryTimeout: queryTimeout}, nil
}
func (g *Gorm) withTimeout(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	return g.db.WithContext(ctx), cancel
}
func (g *Gorm) Create(ctx context.Context, p *domain.Paste) error {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	err := db.Create(toRecord(p)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateIdentifier
	}
	return errors.Wrap(err, "gorm create")
}
func (g *Gorm) Get(ctx context.Context, shortID string) (*domain.Paste, error) {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	var r pasteRecord
	err := db.Where("short_id = ?", shortID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "gorm get")
	}
	return r.toPaste(), nil
}
func (g *Gorm) Delete(ctx context.Context, shortID string) error {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	res := db.Where("short_id = ?", shortID).Delete(&pasteRecord{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "gorm delete")
	}
	if res.RowsAffected == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}
func (g *Gorm) Exists(ctx context.Context, shortID string) (bool, error) {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	var n int64
	if err := db.Model(&pasteRecord{}).Where("short_id = ?", shortID).Limit(1).Count(&n).Error; err != nil {
		return false, errors.Wrap(err, "gorm exists")
	}
	return n > 0, nil
}
func (g *Gorm) TotalSizeBytes(ctx context.Context) (int64, error) {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	var total int64
	err := db.Model(&pasteRecord{}).Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	return total, errors.Wrap(err, "gorm total size")
}
func (g *Gorm) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Paste, error) {
	db, cancel := g.withTimeout(ctx)
	defer cancel()
	var records []pasteRecord
	err := db.Where("expires_at < ?", now.UTC()).Order("expires_at").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "gorm list expired")
	}
	out := make([]*domain.Paste, 0, len(records))
	for i := range records {
		out = append(out, records[i].toPaste())
	}
	return out, nil
}
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
