package domain

import (
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindText Kind = "text"
	KindCode Kind = "code"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindText, "":
		return KindText, true
	case KindCode:
		return KindCode, true
	}
	return "", false
}

// KindFromForm maps the submission form checkbox: "on" selects code.
func KindFromForm(v string) Kind {
	if v == "on" {
		return KindCode
	}
	return KindText
}

type Paste struct {
	ID           string    `json:"id"`
	ShortID      string    `json:"short_id"`
	Content      string    `json:"content"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsPrivate    bool      `json:"is_private"`
	PasswordHash string    `json:"-"`
	SizeBytes    int64     `json:"size_bytes"`
	Sealed       bool      `json:"-"`
	Ciphertext   []byte    `json:"-"`
	EncryptedDEK []byte    `json:"-"`
}

func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// Clone returns a copy that can be handed to callers without exposing cached
// state.
func (p *Paste) Clone() *Paste {
	cp := *p
	if p.Ciphertext != nil {
		cp.Ciphertext = append([]byte(nil), p.Ciphertext...)
	}
	if p.EncryptedDEK != nil {
		cp.EncryptedDEK = append([]byte(nil), p.EncryptedDEK...)
	}
	return &cp
}

type CreateParams struct {
	Content   string
	Kind      Kind
	IsPrivate bool
	Password  string
	Requester string
}

func ContentChars(s string) int {
	return utf8.RuneCountInString(s)
}
