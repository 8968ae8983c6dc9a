// Package keycloak obtains service-account tokens from the identity
// provider via the client credentials grant.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Temirlaaan/DICOM-viewer/internal/httputil"
)

// Default configuration values.
const (
	defaultHTTPTimeout = 30 * time.Second
	// expirySlack renews tokens this long before they actually expire.
	expirySlack     = 60 * time.Second
	contentTypeForm = "application/x-www-form-urlencoded"
)

// Common errors.
var (
	ErrNoClientSecret = errors.New("no client secret configured")
)

// Config holds the token manager configuration.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPTimeout  time.Duration
	Logger       *zap.Logger
}

// TokenManager caches one service-account token and refreshes it shortly
// before expiry. It is safe for concurrent use.
type TokenManager struct {
	mu sync.RWMutex

	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	token     string
	expiresAt time.Time
}

// NewTokenManager creates a token manager for the realm token endpoint.
func NewTokenManager(cfg *Config) *TokenManager {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &TokenManager{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httputil.NewLoggingClient(timeout, cfg.Logger),
	}
}

// Token returns a valid access token, refreshing it when needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.token != "" && time.Now().Before(m.expiresAt.Add(-expirySlack)) {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Before(m.expiresAt.Add(-expirySlack)) {
		return m.token, nil
	}
	return m.refresh(ctx)
}

// refresh fetches a new token. Callers must hold the write lock.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	if m.clientSecret == "" {
		return "", ErrNoClientSecret
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", m.clientID)
	data.Set("client_secret", m.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeForm)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 300
	}

	m.token = tokenResp.AccessToken
	m.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return m.token, nil
}
