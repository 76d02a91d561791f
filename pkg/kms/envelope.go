package kms

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope seals paste content under a fresh data key per paste. The data
// key is wrapped by the adapter with the short id bound as context, so a
// ciphertext moved to another row cannot be opened.
type Envelope struct {
	adapter *Adapter
	cache   *DEKCache
}

func NewEnvelope(adapter *Adapter, cache *DEKCache) *Envelope {
	return &Envelope{adapter: adapter, cache: cache}
}
func pasteContext(shortID string) EncryptionContext {
	return EncryptionContext{"short_id": shortID}
}
func (e *Envelope) Seal(ctx context.Context, shortID string, plaintext []byte) (ciphertext, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, err
	}
	defer wipeBytes(dek)
	wrappedDEK, err = e.adapter.WrapKey(ctx, dek, pasteContext(shortID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrap dek")
	}
	ciphertext, err = AEADSeal(plaintext, dek, []byte(shortID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "seal")
	}
	return ciphertext, wrappedDEK, nil
}
func (e *Envelope) Open(ctx context.Context, shortID string, ciphertext, wrappedDEK []byte) ([]byte, error) {
	var dek []byte
	var err error
	if e.cache != nil {
		dek, err = e.cache.Unwrap(ctx, wrappedDEK, pasteContext(shortID))
	} else {
		dek, err = e.adapter.UnwrapKey(ctx, wrappedDEK, pasteContext(shortID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer wipeBytes(dek)
	return AEADOpen(ciphertext, dek, []byte(shortID))
}
func (e *Envelope) Forget(shortID string, wrappedDEK []byte) {
	if e.cache != nil {
		e.cache.Forget(wrappedDEK, pasteContext(shortID))
	}
}
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}
func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	out, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
