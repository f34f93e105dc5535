package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/schaermu/sitesyncd/internal/apperr"
)

// TokenKind distinguishes the credential families accepted by the API.
type TokenKind string

const (
	TokenCLI     TokenKind = "cli"
	TokenPAT     TokenKind = "pat"
	TokenSession TokenKind = "session"
)

// Token prefixes identify the kind of a presented credential.
const (
	PrefixCLI = "fs_cli_"
	PrefixPAT = "fs_pat_"
)

// Prefix returns the plaintext prefix for tokens of this kind.
func (k TokenKind) Prefix() string {
	switch k {
	case TokenCLI:
		return PrefixCLI
	case TokenPAT:
		return PrefixPAT
	}
	return ""
}

// Valid reports whether k is a known kind.
func (k TokenKind) Valid() bool {
	return k == TokenCLI || k == TokenPAT || k == TokenSession
}

// Token is a stored API credential. Only its hash is persisted.
type Token struct {
	Hash      string    `json:"hash"`
	UserID    string    `json:"user_id"`
	Kind      TokenKind `json:"kind"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// HashToken returns the storage key for a plaintext token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken mints a token for userID. The plaintext is returned once and
// never stored. A zero ttl creates a token without expiry.
func (s *Store) CreateToken(kind TokenKind, userID, name string, ttl time.Duration) (string, Token, error) {
	if !kind.Valid() {
		return "", Token{}, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown token kind %q", kind))
	}
	if userID == "" {
		return "", Token{}, apperr.New(apperr.CodeInvalidInput, "user is required")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", Token{}, fmt.Errorf("failed to generate token: %w", err)
	}
	raw := kind.Prefix() + hex.EncodeToString(secret)

	now := s.now().UTC()
	tok := Token{
		Hash:      HashToken(raw),
		UserID:    userID,
		Kind:      kind,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		tok.ExpiresAt = now.Add(ttl)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketTokens), []byte(tok.Hash), tok)
	})
	if err != nil {
		return "", Token{}, err
	}
	return raw, tok, nil
}

// LookupToken returns the token stored under hash.
func (s *Store) LookupToken(hash string) (Token, error) {
	var tok Token
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketTokens), []byte(hash), &tok)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeNotFound, "token not found")
		}
		return nil
	})
	return tok, err
}
