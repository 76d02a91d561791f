package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base62Chars   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	ShortIDLength = 5
)

var errExhausted = errors.New("short id space exhausted")

// GenShortID draws ShortIDLength symbols from crypto/rand until exists reports
// the candidate free.
func GenShortID(exists func(string) (bool, error), maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	for retry := 0; retry < maxRetries; retry++ {
		id, err := randomShortID()
		if err != nil {
			return "", err
		}
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.Wrapf(errExhausted, "collision after %d retries", maxRetries)
}

// IsIDExhausted reports whether err came from GenShortID running out of retries.
func IsIDExhausted(err error) bool {
	return errors.Is(err, errExhausted)
}
func randomShortID() (string, error) {
	max := big.NewInt(int64(len(base62Chars)))
	buf := make([]byte, ShortIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = base62Chars[n.Int64()]
	}
	return string(buf), nil
}
func ValidShortID(id string) bool {
	if len(id) != ShortIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
