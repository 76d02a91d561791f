package web

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const unlockCookie = "unlock"

var errBadUnlock = errors.New("invalid unlock token")

// unlockClaims ties a token to one paste row. The subject is the paste's
// UUID so a reused short id does not inherit an old session.
type unlockClaims struct {
	jwt.RegisteredClaims
	ShortID string `json:"sid"`
}

// unlocker issues and checks the cookie set after a correct password. A
// zero secret or ttl disables it.
type unlocker struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

func (u unlocker) enabled() bool {
	return len(u.secret) > 0 && u.ttl > 0
}
func (u unlocker) issue(pasteID, shortID string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, unlockClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pasteID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(u.ttl)),
		},
		ShortID: shortID,
	})
	return token.SignedString(u.secret)
}
func (u unlocker) verify(tokenString, pasteID, shortID string) error {
	claims := &unlockClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return u.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return errors.Wrap(err, "parse unlock token")
	}
	if !token.Valid || claims.Subject != pasteID || claims.ShortID != shortID {
		return errBadUnlock
	}
	return nil
}
func (u unlocker) setCookie(w http.ResponseWriter, pasteID, shortID string, now time.Time) error {
	if !u.enabled() {
		return nil
	}
	token, err := u.issue(pasteID, shortID, now)
	if err != nil {
		return errors.Wrap(err, "sign unlock token")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     unlockCookie,
		Value:    token,
		Path:     "/" + shortID,
		MaxAge:   int(u.ttl.Seconds()),
		HttpOnly: true,
		Secure:   u.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// unlocked reports whether r carries a valid session for the paste.
func (u unlocker) unlocked(r *http.Request, pasteID, shortID string) bool {
	if !u.enabled() {
		return false
	}
	c, err := r.Cookie(unlockCookie)
	if err != nil {
		return false
	}
	return u.verify(c.Value, pasteID, shortID) == nil
}
