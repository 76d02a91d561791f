package kms

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrSecretNotFound      = errors.New("secret not found")
)

type EncryptionContext map[string]string

// Provider wraps data keys and serves named secrets. encContext is bound as
// additional authenticated data; unwrapping with a different context fails.
type Provider interface {
	Name() string
	Wrap(ctx context.Context, plaintext, encContext []byte) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

// NewAdapter picks Vault when VAULT_ADDR is set, AWS KMS when AWS_REGION is
// set, and the local KMS_LOCAL_KEY provider otherwise.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true")
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil && requirePrimary {
			return nil, errors.Wrap(err, "vault provider")
		}
		if err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil && requirePrimary {
			return nil, errors.Wrap(err, "aws provider")
		}
		if err == nil {
			primary = ap
		}
	}
	if !requirePrimary {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, errors.Wrap(err, "env provider")
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, env)")
	}
	return NewAdapterWith(primary, fallback, os.Getenv("KMS_FAIL_CLOSED") != "false"), nil
}

// NewAdapterWith builds an adapter from explicit providers. With failClosed a
// primary failure is returned instead of falling back.
func NewAdapterWith(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}
func (a *Adapter) ProviderName() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}
func (a *Adapter) WrapKey(ctx context.Context, dek []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		out, err := a.primary.Wrap(ctx, dek, aad)
		if err == nil {
			return out, nil
		}
		if a.failClosed || a.fallback == nil {
			return nil, errors.Wrapf(err, "%s wrap", a.primary.Name())
		}
	}
	if a.fallback != nil {
		return a.fallback.Wrap(ctx, dek, aad)
	}
	return nil, ErrProviderUnavailable
}
func (a *Adapter) UnwrapKey(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		out, err := a.primary.Unwrap(ctx, wrapped, aad)
		if err == nil {
			return out, nil
		}
		if a.failClosed || a.fallback == nil {
			return nil, errors.Wrapf(err, "%s unwrap", a.primary.Name())
		}
	}
	if a.fallback != nil {
		return a.fallback.Unwrap(ctx, wrapped, aad)
	}
	return nil, ErrProviderUnavailable
}
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.failClosed || a.fallback == nil {
			if err == nil {
				err = ErrSecretNotFound
			}
			return "", errors.Wrapf(err, "%s secret %s", a.primary.Name(), key)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}
func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "pastebin-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/pastebin"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) Wrap(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}
func (v *vaultProvider) Unwrap(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/pastebin-master"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws-kms" }
func (a *awsProvider) Wrap(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	input := &kms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	}
	if len(encContext) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(encContext),
		}
	}
	result, err := a.kmsClient.Encrypt(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return result.CiphertextBlob, nil
}
func (a *awsProvider) Unwrap(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	input := &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	}
	if len(encContext) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(encContext),
		}
	}
	result, err := a.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return result.Plaintext, nil
}
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &envProvider{aead: aead}, nil
}
func (e *envProvider) Name() string { return "env" }
func (e *envProvider) Wrap(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, encContext), nil
}
func (e *envProvider) Unwrap(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	out, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], encContext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
func (e *envProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
