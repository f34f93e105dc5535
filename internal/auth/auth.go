// Package auth turns bearer credentials into principals.
package auth

import (
	"strings"
	"time"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/store"
)

// Credential is a presented token tagged with the kind its prefix claims.
type Credential struct {
	Kind  store.TokenKind
	Token string
}

// Classify tags raw by its prefix. Unprefixed tokens are session tokens.
func Classify(raw string) Credential {
	switch {
	case strings.HasPrefix(raw, store.PrefixCLI):
		return Credential{Kind: store.TokenCLI, Token: raw}
	case strings.HasPrefix(raw, store.PrefixPAT):
		return Credential{Kind: store.TokenPAT, Token: raw}
	default:
		return Credential{Kind: store.TokenSession, Token: raw}
	}
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Kind   store.TokenKind
}

// TokenLookup finds stored tokens by hash.
type TokenLookup interface {
	LookupToken(hash string) (store.Token, error)
}

// Resolver authenticates Authorization headers against stored tokens.
type Resolver struct {
	tokens TokenLookup
	now    func() time.Time
}

// NewResolver creates a resolver backed by tokens.
func NewResolver(tokens TokenLookup) *Resolver {
	return &Resolver{tokens: tokens, now: time.Now}
}

// Resolve returns the principal for an Authorization header value. Every
// failure is reported as UNAUTHORIZED without saying which check failed.
func (r *Resolver) Resolve(header string) (Principal, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return Principal{}, apperr.New(apperr.CodeUnauthorized, "missing bearer token")
	}

	cred := Classify(raw)
	tok, err := r.tokens.LookupToken(store.HashToken(cred.Token))
	if err != nil || tok.Kind != cred.Kind || tok.Expired(r.now()) {
		return Principal{}, apperr.New(apperr.CodeUnauthorized, "invalid or expired token")
	}

	return Principal{UserID: tok.UserID, Kind: tok.Kind}, nil
}

// BearerToken extracts the token of a "Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
