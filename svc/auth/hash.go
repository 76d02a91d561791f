package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"pastebin/svc/util"
)

const maxPasswordBytes = 4096

var (
	ErrNotStarted   = errors.New("hasher not started")
	ErrShuttingDown = errors.New("hasher is shutting down")
	ErrQueueFull    = errors.New("hash queue full")
)

// Hasher runs argon2id on a fixed worker pool so that a burst of password
// checks cannot spawn unbounded memory-hard computations.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	minVerify   time.Duration
	mu          sync.RWMutex
	jobQueue    chan job
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type job struct {
	run  func() result
	resp chan result
}
type result struct {
	hash  string
	match bool
	err   error
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
		minVerify:   350 * time.Millisecond,
		jobQueue:    make(chan job, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetMinVerifyDuration pads every Verify call to at least d.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) {
	h.minVerify = d
}
func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case j := <-h.jobQueue:
			j.resp <- j.run()
		case <-h.quit:
			return
		}
	}
}
func (h *Hasher) submit(ctx context.Context, run func() result) result {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return result{err: ErrNotStarted}
	}
	resp := make(chan result, 1)
	select {
	case h.jobQueue <- job{run: run, resp: resp}:
	case <-ctx.Done():
		return result{err: errors.Wrap(ctx.Err(), "hash queue")}
	case <-h.quit:
		return result{err: ErrShuttingDown}
	default:
		return result{err: ErrQueueFull}
	}
	select {
	case res := <-resp:
		return res
	case <-ctx.Done():
		return result{err: errors.Wrap(ctx.Err(), "hash wait")}
	case <-h.quit:
		return result{err: ErrShuttingDown}
	}
}

// Hash returns a PHC-formatted argon2id string with a fresh 16-byte salt.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", errors.New("password too long")
	}
	res := h.submit(ctx, func() result {
		hash, err := h.doHash(password)
		return result{hash: hash, err: err}
	})
	return res.hash, res.err
}
func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify compares pwd against encoded in constant time. A malformed hash is
// still run through argon2 so the call costs the same either way.
func (h *Hasher) Verify(ctx context.Context, pwd, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.minVerify {
			time.Sleep(h.minVerify - elapsed)
		}
	}()
	if len(pwd) > maxPasswordBytes {
		pwd = strings.Repeat("x", maxPasswordBytes)
		encoded = ""
	}
	res := h.submit(ctx, func() result {
		return result{match: h.verifyInternal(pwd, encoded)}
	})
	return res.match, res.err
}
func (h *Hasher) verifyInternal(pwd, encoded string) bool {
	var mem, iters uint32 = h.memory, h.iterations
	var threads uint8 = h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else if mem > 2*1024*1024 || iters > 1000 || threads == 0 || threads > 128 {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else {
		var err error
		if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if hash == nil {
		hash = make([]byte, h.keyLength)
	}
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(other)
	match := subtle.ConstantTimeCompare(hash, other) == 1
	return valid && match
}
func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 || allZero(h.pepper) {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}
