package git

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/schaermu/sitesyncd/internal/tokencache"
)

const (
	// jwtBackdate absorbs clock drift between us and GitHub.
	jwtBackdate = 60 * time.Second
	jwtLifetime = 9 * time.Minute
	// refreshMargin is how long before expiry a cached token is dropped.
	refreshMargin = 5 * time.Minute
)

// InstallationTokens mints and caches GitHub App installation tokens.
type InstallationTokens struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL *url.URL
	cache   *tokencache.Cache[int64, string]
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// NewInstallationTokens creates a token minter for the app identified by
// appID, signing with the PEM-encoded RSA key.
func NewInstallationTokens(appID int64, privateKeyPEM []byte, apiURL string, logger *slog.Logger) (*InstallationTokens, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	base, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, err
	}
	return &InstallationTokens{
		appID:   appID,
		key:     key,
		baseURL: base,
		cache:   tokencache.New[int64, string](),
		now:     time.Now,
		logger:  logger,
	}, nil
}

// AppJWT returns a short-lived JWT authenticating as the app itself.
func (t *InstallationTokens) AppJWT() (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    strconv.FormatInt(t.appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signed, nil
}

// Token returns a valid token for the installation, minting one when the
// cache has none. Concurrent callers for the same installation share a
// single request.
func (t *InstallationTokens) Token(ctx context.Context, installationID int64) (string, error) {
	if tok, ok := t.cache.Get(installationID); ok {
		return tok, nil
	}

	v, err, _ := t.group.Do(strconv.FormatInt(installationID, 10), func() (any, error) {
		if tok, ok := t.cache.Get(installationID); ok {
			return tok, nil
		}
		return t.mint(ctx, installationID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *InstallationTokens) mint(ctx context.Context, installationID int64) (string, error) {
	appJWT, err := t.AppJWT()
	if err != nil {
		return "", err
	}

	client := github.NewClient(nil).WithAuthToken(appJWT)
	if t.baseURL != nil {
		client.BaseURL = t.baseURL
	}

	tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token for %d: %w", installationID, err)
	}

	ttl := tok.GetExpiresAt().Sub(t.now()) - refreshMargin
	t.cache.Set(installationID, tok.GetToken(), ttl)
	t.logger.Debug("minted installation token", "installation_id", installationID, "ttl", ttl)
	return tok.GetToken(), nil
}

// Invalidate drops the cached token of an installation.
func (t *InstallationTokens) Invalidate(installationID int64) {
	t.cache.Invalidate(installationID)
}

// TokenSource adapts the installation's token to oauth2.
func (t *InstallationTokens) TokenSource(installationID int64) oauth2.TokenSource {
	return &installationTokenSource{tokens: t, id: installationID}
}

type installationTokenSource struct {
	tokens *InstallationTokens
	id     int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.Token(context.Background(), s.id)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "token"}, nil
}
