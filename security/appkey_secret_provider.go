package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals credential payloads with AES-GCM under an
// application key. Retired keys can still open payloads inside their
// rotation window; new payloads always use the primary key.
type AppKeySecretProvider struct {
	primary keyEntry
	retired []keyEntry
	now     func() time.Time
}

type keyEntry struct {
	id       string
	version  int
	aead     cipher.AEAD
	retireAt time.Time // zero means no deadline
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.primary.id = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.primary.version = version
		}
	}
}

// WithRetiredKey keeps an older key available for decryption until retireAt.
// A zero retireAt keeps the key open until it is removed from configuration.
func WithRetiredKey(keyMaterial []byte, id string, version int, retireAt time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		key := bytes.TrimSpace(keyMaterial)
		if len(key) == 0 {
			return
		}
		aead, err := newAEAD(normalizeKey(key))
		if err != nil {
			return
		}
		provider.retired = append(provider.retired, keyEntry{
			id:       strings.TrimSpace(id),
			version:  version,
			aead:     aead,
			retireAt: retireAt.UTC(),
		})
	}
}

func WithClock(now func() time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	aead, err := newAEAD(normalizeKey(key))
	if err != nil {
		return nil, err
	}
	provider := &AppKeySecretProvider{
		primary: keyEntry{id: "app-key", version: 1, aead: aead},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}

	nonce := make([]byte, p.primary.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := p.primary.aead.Seal(nil, nonce, plaintext, p.primary.additionalData())
	return encodeEnvelope(envelope{
		KeyID:      p.primary.id,
		Version:    p.primary.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      encodePayload(nonce),
		Ciphertext: encodePayload(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	entry, err := p.keyFor(parsed.KeyID, parsed.Version)
	if err != nil {
		return nil, err
	}

	nonce, err := decodePayload("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodePayload("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(nonce) != entry.aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := entry.aead.Open(nil, nonce, sealed, entry.additionalData())
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) keyFor(id string, version int) (keyEntry, error) {
	if p.primary.matches(id, version) {
		return p.primary, nil
	}
	for _, entry := range p.retired {
		if !entry.matches(id, version) {
			continue
		}
		if entry.retired(p.now()) {
			return keyEntry{}, fmt.Errorf("security: key %q v%d retired at %s", id, version, entry.retireAt.Format(time.RFC3339))
		}
		return entry, nil
	}
	return keyEntry{}, fmt.Errorf("security: no key for kid %q version %d", id, version)
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.primary.id
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.primary.version
}

// NeedsReseal reports payloads sealed under a key other than the primary.
func (p *AppKeySecretProvider) NeedsReseal(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	return !p.primary.matches(meta.KeyID, meta.Version)
}

func (e keyEntry) matches(id string, version int) bool {
	if id != "" && id != e.id {
		return false
	}
	return version <= 0 || version == e.version
}

func (e keyEntry) retired(at time.Time) bool {
	return !e.retireAt.IsZero() && at.UTC().After(e.retireAt)
}

// additionalData binds the ciphertext to its key identity.
func (e keyEntry) additionalData() []byte {
	return []byte(fmt.Sprintf("%s:%d", e.id, e.version))
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
