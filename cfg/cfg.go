package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type Cfg struct {
	Port                 string
	Environment          string
	LogLevel             string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseURL          Secret
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBQueryTimeout       time.Duration
	RedisURL             string
	RedisTLS             bool
	RedisUsername        string
	RedisPassword        Secret
	RedisTimeout         time.Duration
	LRUCacheSize         int
	Argon2Time           uint32
	Argon2Memory         uint32
	Argon2Parallelism    uint8
	HasherWorkerCount    int
	Pepper               Secret
	PepperFromKMS        bool
	SessionSecret        Secret
	SessionSecretFromKMS bool
	UnlockTTL            time.Duration
	EncryptAtRest        bool
	KEKCacheTTL          time.Duration
	Limits               Limits
	Sweep                SweepCfg
	ShortIDMaxRetries    int
	Locale               string
	TimeZone             string
	TrustedProxies       []string
	MetricsUser          string
	MetricsPass          Secret
	ContextTimeout       time.Duration
}

// Limits groups the operator-tunable sizes and throttles of the paste
// lifecycle.
type Limits struct {
	MaxContentChars        int
	MaxStoreBytes          int64
	MaxRequestBytes        int64
	Retention              time.Duration
	MaxPasswordLength      int
	SubmitPerMinute        int
	FailedLoginWindow      time.Duration
	FailedLoginMaxAttempts int
}

const (
	// maxEncodedRuneBytes is one supplementary-plane rune percent-encoded in
	// a form body (4 x %XX) or escaped as a JSON surrogate pair.
	maxEncodedRuneBytes = 12
	requestSlack        = 64 * 1024
)

// MinRequestBytes is the smallest body cap that still admits maxChars runes
// of content in any encoding the form and the JSON API accept.
func MinRequestBytes(maxChars int) int64 {
	return int64(maxChars)*maxEncodedRuneBytes + requestSlack
}

type SweepCfg struct {
	Interval      time.Duration
	OnRequest     bool
	RequestMinGap time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "pastes.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS")
	c.SessionSecret = NewSecret(getEnv("SESSION_SECRET", ""))
	c.SessionSecretFromKMS = getBool("SESSION_SECRET_FROM_KMS")
	if c.UnlockTTL, err = getDuration("UNLOCK_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	c.EncryptAtRest = getBool("ENCRYPT_AT_REST")
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if c.Limits.MaxContentChars, err = getInt("MAX_CONTENT_CHARS", 3_000_000); err != nil {
		return nil, err
	}
	if c.Limits.MaxStoreBytes, err = getInt64("MAX_STORE_BYTES", 7*1024*1024*1024); err != nil {
		return nil, err
	}
	if c.Limits.MaxRequestBytes, err = getInt64("MAX_REQUEST_BYTES", MinRequestBytes(c.Limits.MaxContentChars)); err != nil {
		return nil, err
	}
	if c.Limits.Retention, err = getDuration("RETENTION", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.Limits.MaxPasswordLength, err = getInt("MAX_PASSWORD_LENGTH", 64); err != nil {
		return nil, err
	}
	if c.Limits.SubmitPerMinute, err = getInt("RATE_LIMIT_SUBMIT_PER_MINUTE", 5); err != nil {
		return nil, err
	}
	if c.Limits.FailedLoginWindow, err = getDuration("FAILED_LOGIN_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if c.Limits.FailedLoginMaxAttempts, err = getInt("FAILED_LOGIN_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	if c.Sweep.Interval, err = getDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	c.Sweep.OnRequest = getBool("SWEEP_ON_REQUEST")
	if c.Sweep.RequestMinGap, err = getDuration("SWEEP_REQUEST_MIN_GAP", 0); err != nil {
		return nil, err
	}
	if c.ShortIDMaxRetries, err = getInt("SHORT_ID_MAX_RETRIES", 32); err != nil {
		return nil, err
	}
	c.Locale = strings.ToLower(getEnv("LOCALE", "cs"))
	c.TimeZone = getEnv("TIME_ZONE", "Europe/Prague")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if err := validateDatabasePath(c.DatabasePath); err != nil {
			return err
		}
	case DriverPostgres, DriverMySQL:
		if c.DatabaseURL.Value() == "" {
			return fmt.Errorf("DATABASE_URL is required for DATABASE_DRIVER=%s", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}

	l := c.Limits
	if l.MaxContentChars <= 0 {
		return errors.New("MAX_CONTENT_CHARS must be positive")
	}
	if l.MaxStoreBytes <= 0 {
		return errors.New("MAX_STORE_BYTES must be positive")
	}
	if floor := MinRequestBytes(l.MaxContentChars); l.MaxRequestBytes < floor {
		return fmt.Errorf("MAX_REQUEST_BYTES must be >= %d to fit MAX_CONTENT_CHARS=%d once encoded", floor, l.MaxContentChars)
	}
	if l.Retention < time.Minute {
		return errors.New("RETENTION must be at least 1 minute")
	}
	if l.MaxPasswordLength <= 0 || l.MaxPasswordLength > 1024 {
		return errors.New("MAX_PASSWORD_LENGTH must be between 1 and 1024")
	}
	if l.SubmitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_SUBMIT_PER_MINUTE must be positive")
	}
	if l.FailedLoginWindow <= 0 {
		return errors.New("FAILED_LOGIN_WINDOW must be positive")
	}
	if l.FailedLoginMaxAttempts <= 0 {
		return errors.New("FAILED_LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.Sweep.Interval < 0 || c.Sweep.RequestMinGap < 0 {
		return errors.New("sweep durations must not be negative")
	}
	if c.Sweep.Interval == 0 && !c.Sweep.OnRequest {
		return errors.New("at least one sweep trigger must be enabled (SWEEP_INTERVAL or SWEEP_ON_REQUEST)")
	}
	if c.ShortIDMaxRetries <= 0 {
		return errors.New("SHORT_ID_MAX_RETRIES must be positive")
	}
	if c.Locale != "cs" && c.Locale != "en" {
		return fmt.Errorf("unsupported LOCALE %q (cs, en)", c.Locale)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid TIME_ZONE %q: %w", c.TimeZone, err)
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if !c.SessionSecretFromKMS && c.SessionSecret.Value() == "" && c.UnlockTTL > 0 {
			return errors.New("SESSION_SECRET is required in production when UNLOCK_TTL > 0")
		}
	}
	if !c.PepperFromKMS {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_KMS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	if c.SessionSecret.Value() != "" && len(c.SessionSecret.Value()) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 bytes")
	}
	if c.EncryptAtRest {
		if c.KEKCacheTTL < time.Minute || c.KEKCacheTTL > time.Hour {
			return errors.New("KEK_CACHE_TTL must be between 1 minute and 1 hour")
		}
	}
	return nil
}
func validateDatabasePath(path string) error {
	if path == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.SessionSecret.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string) bool {
	return strings.EqualFold(getEnv(key, "false"), "true")
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
