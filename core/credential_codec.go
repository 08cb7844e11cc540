package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "token_set_json"
	CredentialPayloadVersionV1    = 1
)

// TokenSet is the secret part of a credential persisted as one payload.
type TokenSet struct {
	AccessToken           string
	RefreshToken          string
	TokenType             string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
}

func TokenSetFromCredential(cred Credential) TokenSet {
	return TokenSet{
		AccessToken:           cred.AccessToken,
		RefreshToken:          cred.RefreshToken,
		TokenType:             cred.TokenType,
		AccessTokenExpiresAt:  cloneTimePointer(cred.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: cloneTimePointer(cred.RefreshTokenExpiresAt),
	}
}

func (t TokenSet) Empty() bool {
	return strings.TrimSpace(t.AccessToken) == "" && strings.TrimSpace(t.RefreshToken) == ""
}

func (t TokenSet) ApplyTo(cred *Credential) {
	if cred == nil {
		return
	}
	cred.AccessToken = t.AccessToken
	cred.RefreshToken = t.RefreshToken
	cred.TokenType = t.TokenType
	cred.AccessTokenExpiresAt = cloneTimePointer(t.AccessTokenExpiresAt)
	cred.RefreshTokenExpiresAt = cloneTimePointer(t.RefreshTokenExpiresAt)
}

type CredentialCodec interface {
	Format() string
	Version() int
	Encode(tokens TokenSet) ([]byte, error)
	Decode(payload []byte) (TokenSet, error)
}

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

type jsonTokenPayload struct {
	AccessToken           string     `json:"access_token,omitempty"`
	RefreshToken          string     `json:"refresh_token,omitempty"`
	TokenType             string     `json:"token_type,omitempty"`
	AccessTokenExpiresAt  *time.Time `json:"access_token_expires_at,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
}

func (JSONCredentialCodec) Encode(tokens TokenSet) ([]byte, error) {
	encoded, err := json.Marshal(jsonTokenPayload{
		AccessToken:           strings.TrimSpace(tokens.AccessToken),
		RefreshToken:          strings.TrimSpace(tokens.RefreshToken),
		TokenType:             strings.TrimSpace(tokens.TokenType),
		AccessTokenExpiresAt:  cloneTimePointer(tokens.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: cloneTimePointer(tokens.RefreshTokenExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("core: encode token payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (TokenSet, error) {
	if len(payload) == 0 {
		return TokenSet{}, fmt.Errorf("core: token payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return TokenSet{}, fmt.Errorf("core: decode token payload: %w", err)
	}
	return TokenSet{
		AccessToken:           decoded.AccessToken,
		RefreshToken:          decoded.RefreshToken,
		TokenType:             decoded.TokenType,
		AccessTokenExpiresAt:  cloneTimePointer(decoded.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: cloneTimePointer(decoded.RefreshTokenExpiresAt),
	}, nil
}

// SealTokens encodes and encrypts the token set. An empty set seals to nil.
func SealTokens(ctx context.Context, codec CredentialCodec, secrets SecretProvider, tokens TokenSet) ([]byte, error) {
	if tokens.Empty() {
		return nil, nil
	}
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	plaintext, err := codec.Encode(tokens)
	if err != nil {
		return nil, err
	}
	if secrets == nil {
		return nil, fmt.Errorf("core: secret provider is required to store tokens")
	}
	return secrets.Encrypt(ctx, plaintext)
}

func OpenTokens(ctx context.Context, codec CredentialCodec, secrets SecretProvider, sealed []byte) (TokenSet, error) {
	if len(sealed) == 0 {
		return TokenSet{}, nil
	}
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	if secrets == nil {
		return TokenSet{}, fmt.Errorf("core: secret provider is required to read tokens")
	}
	plaintext, err := secrets.Decrypt(ctx, sealed)
	if err != nil {
		return TokenSet{}, err
	}
	return codec.Decode(plaintext)
}
