package security

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestAppKeySecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("ledgersync-v1"), WithVersion(3))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte(`{"access_token":"token-value-123"}`)
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, []byte("token-value-123")) {
		t.Fatalf("expected sealed payload to hide the token")
	}
	if !bytes.HasPrefix(encrypted, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}
	meta, err := ParseEnvelopeMetadata(encrypted)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.KeyID != "ledgersync-v1" || meta.Version != 3 || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(decrypted))
	}
}

func TestAppKeySecretProvider_RejectsUnknownKey(t *testing.T) {
	issuer, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("ledgersync-v1"), WithVersion(1))
	if err != nil {
		t.Fatalf("new issuer provider: %v", err)
	}
	receiver, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("ledgersync-v2"), WithVersion(2))
	if err != nil {
		t.Fatalf("new receiver provider: %v", err)
	}

	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected key mismatch error")
	}
}

func TestAppKeySecretProvider_RetiredKeyWithinWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	old, err := NewAppKeySecretProviderFromString("old-key", WithKeyID("ledgersync"), WithVersion(1))
	if err != nil {
		t.Fatalf("old provider: %v", err)
	}
	sealed, err := old.Encrypt(ctx, []byte("refresh-token"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	rotated, err := NewAppKeySecretProviderFromString("new-key",
		WithKeyID("ledgersync"),
		WithVersion(2),
		WithRetiredKey([]byte("old-key"), "ledgersync", 1, now.Add(24*time.Hour)),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("rotated provider: %v", err)
	}
	if !rotated.NeedsReseal(sealed) {
		t.Fatalf("expected payload under retired key to need resealing")
	}
	opened, err := rotated.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("decrypt with retired key: %v", err)
	}
	if string(opened) != "refresh-token" {
		t.Fatalf("unexpected plaintext %q", opened)
	}

	now = now.Add(48 * time.Hour)
	if _, err := rotated.Decrypt(ctx, sealed); err == nil {
		t.Fatalf("expected retired key to be rejected after its window")
	}

	fresh, err := rotated.Encrypt(ctx, []byte("refresh-token"))
	if err != nil {
		t.Fatalf("encrypt with primary: %v", err)
	}
	if rotated.NeedsReseal(fresh) {
		t.Fatalf("expected primary payload not to need resealing")
	}
}

func TestAppKeySecretProvider_RejectsTamperedPayload(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("super-secret-test-key")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.Decrypt(context.Background(), []byte(`{"kid":"app-key"}`)); err == nil {
		t.Fatalf("expected missing prefix to be rejected")
	}
	sealed, err := provider.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := bytes.Replace(sealed, []byte(`"ver":1`), []byte(`"ver":7`), 1)
	if _, err := provider.Decrypt(context.Background(), tampered); err == nil {
		t.Fatalf("expected version mismatch to be rejected")
	}
}
