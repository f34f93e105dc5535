package git

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/sitesyncd/internal/testutil"
)

func generateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestAppJWT(t *testing.T) {
	key, pemBytes := generateKey(t)
	tokens, err := NewInstallationTokens(1234, pemBytes, "", testutil.Logger())
	require.NoError(t, err)

	signed, err := tokens.AppJWT()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "1234", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(-time.Minute), claims.IssuedAt.Time, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(9*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestNewInstallationTokensBadKey(t *testing.T) {
	_, err := NewInstallationTokens(1, []byte("not a key"), "", testutil.Logger())
	assert.ErrorContains(t, err, "failed to parse app private key")
}

func TestInstallationTokenCaching(t *testing.T) {
	_, pemBytes := generateKey(t)

	var minted atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/42/access_tokens" {
			http.NotFound(w, r)
			return
		}
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		n := minted.Add(1)
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(w, `{"token": "ghs_%d", "expires_at": %q}`, n, time.Now().Add(time.Hour).Format(time.RFC3339))
	}))
	defer server.Close()

	tokens, err := NewInstallationTokens(1, pemBytes, server.URL, testutil.Logger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tokens.Token(context.Background(), 42)
			assert.NoError(t, err)
			results[i] = tok
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted.Load(), "concurrent callers share one mint")
	for _, tok := range results {
		assert.Equal(t, "ghs_1", tok)
	}

	tok, err := tokens.Token(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "ghs_1", tok, "served from cache")

	tokens.Invalidate(42)
	oauthTok, err := tokens.TokenSource(42).Token()
	require.NoError(t, err)
	assert.Equal(t, "ghs_2", oauthTok.AccessToken)
}

func TestInstallationTokenError(t *testing.T) {
	_, pemBytes := generateKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	}))
	defer server.Close()

	tokens, err := NewInstallationTokens(1, pemBytes, server.URL, testutil.Logger())
	require.NoError(t, err)

	_, err = tokens.Token(context.Background(), 99)
	assert.ErrorContains(t, err, "failed to create installation token")
}
