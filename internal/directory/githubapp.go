package directory

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/pkg/tokenstore"
)

// tokenTTL caps how long an installation token is cached. Tokens last 1 hour.
const tokenTTL = 55 * time.Minute

// appTransport authenticates requests as a GitHub App installation. The
// installation token is minted on demand and cached in a tokenstore.
type appTransport struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	baseURL        *url.URL
	tokens         tokenstore.Store
	base           http.RoundTripper
	logger         zerolog.Logger
}

func newAppTransport(appID, installationID int64, keyData []byte, baseURL *url.URL, tokens tokenstore.Store, logger zerolog.Logger) (*appTransport, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &appTransport{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		baseURL:        baseURL,
		tokens:         tokens,
		base:           http.DefaultTransport,
		logger:         logger,
	}, nil
}

func (t *appTransport) cacheKey() string {
	return fmt.Sprintf("github_installation_token:%d", t.installationID)
}

// generateJWT creates a JWT for GitHub App authentication.
func (t *appTransport) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", t.appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

// installationToken returns a cached or freshly minted installation token.
func (t *appTransport) installationToken(ctx context.Context) (string, error) {
	if tok, err := t.tokens.Get(ctx, t.cacheKey()); err == nil {
		return tok.Value, nil
	}

	t.logger.Info().Int64("installation_id", t.installationID).Msg("generating new installation token")
	appJWT, err := t.generateJWT()
	if err != nil {
		return "", err
	}

	apps := github.NewClient(&http.Client{Transport: t.base, Timeout: 30 * time.Second}).WithAuthToken(appJWT)
	if t.baseURL != nil {
		apps.BaseURL = t.baseURL
	}
	tok, _, err := apps.Apps.CreateInstallationToken(ctx, t.installationID, nil)
	if err != nil {
		return "", fmt.Errorf("requesting installation token: %w", err)
	}

	// refresh five minutes before GitHub's expiry, and never keep a token
	// longer than tokenTTL
	until := time.Now().Add(tokenTTL)
	if exp := tok.GetExpiresAt(); !exp.IsZero() {
		if early := exp.Add(-5 * time.Minute); early.Before(until) {
			until = early
		}
	}
	if err := t.tokens.SetUntil(ctx, t.cacheKey(), tok.GetToken(), until); err != nil {
		t.logger.Warn().Err(err).Msg("failed to cache installation token")
	}
	return tok.GetToken(), nil
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.installationToken(req.Context())
	if err != nil {
		return nil, err
	}
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(req2)
}
