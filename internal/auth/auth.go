// Package auth implements outbound credential providers for the
// AgentExecutor boundary: a static API key and an OAuth bearer token
// with proactive refresh, single-flight locking, and retry/backoff.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrRefreshFailed is returned when a token is expired and refresh did
// not succeed.
var ErrRefreshFailed = fmt.Errorf("auth: token expired and refresh failed")

// ErrInvalidAPIKey is returned by NewStaticKeyProvider for an empty key
// or one that doesn't carry the expected prefix.
var ErrInvalidAPIKey = fmt.Errorf("auth: invalid API key")

// Credentials is what a Provider hands back for use on an outbound
// request.
type Credentials struct {
	Type      string // "api_key" or "bearer"
	Value     string
	ExpiresAt *time.Time
}

// Provider is the AuthProvider port: something that can produce
// outbound credentials, refresh them, and report its auth method and
// the context window it's entitled to.
type Provider interface {
	GetCredentials(ctx context.Context) (Credentials, error)
	RefreshCredentials(ctx context.Context, force bool) (bool, error)
	IsValid() bool
	GetAuthMethod() string
	GetContextLimit() int
}

// StaticKeyProvider wraps a long-lived API key that never needs
// refreshing.
type StaticKeyProvider struct {
	apiKey string
}

const apiKeyPrefix = "sk-ant-api"

// NewStaticKeyProvider validates apiKey's prefix and wraps it.
func NewStaticKeyProvider(apiKey string) (*StaticKeyProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAPIKey)
	}
	if len(apiKey) < len(apiKeyPrefix) || apiKey[:len(apiKeyPrefix)] != apiKeyPrefix {
		return nil, fmt.Errorf("%w: unrecognized prefix", ErrInvalidAPIKey)
	}
	return &StaticKeyProvider{apiKey: apiKey}, nil
}

func (p *StaticKeyProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	return Credentials{Type: "api_key", Value: p.apiKey}, nil
}

// RefreshCredentials is a no-op for static keys; it always succeeds.
func (p *StaticKeyProvider) RefreshCredentials(ctx context.Context, force bool) (bool, error) {
	return true, nil
}

func (p *StaticKeyProvider) IsValid() bool { return p.apiKey != "" }

func (p *StaticKeyProvider) GetAuthMethod() string { return "api_key" }

func (p *StaticKeyProvider) GetContextLimit() int { return 1_000_000 }

// TokenPersister saves a refreshed OAuth token set, typically backed by
// a ConfigManager-style credential store. Implementations should treat
// calls as best-effort: a persistence failure must not fail the
// refresh itself, only be logged.
type TokenPersister interface {
	SetOAuthToken(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) error
}

const (
	refreshBuffer   = 5 * time.Minute
	oauthClientID   = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	refreshMaxTries = 3
)

// OAuthProvider manages an OAuth bearer token with proactive refresh
// (5-minute buffer before expiry), reactive refresh on 401, and
// refresh-token rotation.
type OAuthProvider struct {
	mu sync.Mutex

	accessToken  string
	refreshToken string
	expiresAt    time.Time

	refreshURL string
	httpClient *http.Client
	persister  TokenPersister
	log        *slog.Logger
}

// NewOAuthProvider builds an OAuthProvider. A naive (no-timezone)
// expiresAt is impossible to express in Go's time.Time (it is always
// UTC-normalizable), but a zero-value Location is treated the same way
// the Python implementation treats a naive datetime: logged and coerced
// to UTC.
func NewOAuthProvider(accessToken, refreshToken string, expiresAt time.Time, refreshURL string, persister TokenPersister, log *slog.Logger) *OAuthProvider {
	if log == nil {
		log = slog.Default()
	}
	if refreshURL == "" {
		refreshURL = "https://console.anthropic.com/v1/oauth/token"
	}
	if expiresAt.Location() != time.UTC {
		log.Warn("auth: oauth expires_at has no explicit UTC timezone, assuming UTC")
		expiresAt = expiresAt.UTC()
	}
	return &OAuthProvider{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    expiresAt,
		refreshURL:   refreshURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		persister:    persister,
		log:          log,
	}
}

// GetCredentials proactively refreshes if the token is near expiry, then
// returns it. Fails with ErrRefreshFailed if the token is expired and
// refresh did not recover it.
func (p *OAuthProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	if p.isNearExpiry() {
		p.log.Info("auth: proactive token refresh")
		if _, err := p.RefreshCredentials(ctx, false); err != nil {
			p.log.Warn("auth: proactive refresh failed", "error", err)
		}
	}

	if !p.IsValid() {
		return Credentials{}, ErrRefreshFailed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	expires := p.expiresAt
	return Credentials{Type: "bearer", Value: p.accessToken, ExpiresAt: &expires}, nil
}

// RefreshCredentials refreshes the OAuth token under a single-flight
// lock: once held, it re-checks expiry (another caller may already have
// refreshed) unless force is set, then retries the refresh POST up to
// refreshMaxTries times, honoring Retry-After on 429 and treating 401 as
// terminal.
func (p *OAuthProvider) RefreshCredentials(ctx context.Context, force bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && !p.isExpiredLocked() && !p.isNearExpiryLocked() {
		if p.expiresAt.After(time.Now().UTC().Add(time.Minute)) {
			p.log.Debug("auth: token already refreshed by another caller")
			return true, nil
		}
		p.log.Warn("auth: token expiry looks suspicious, forcing refresh")
	}

	for attempt := 0; attempt < refreshMaxTries; attempt++ {
		ok, retryAfter, terminal, err := p.attemptRefresh(ctx)
		if ok {
			return true, nil
		}
		if terminal {
			p.log.Error("auth: refresh token expired or revoked")
			return false, nil
		}
		if err != nil && attempt == refreshMaxTries-1 {
			p.log.Error("auth: token refresh failed on final attempt", "error", err)
			return false, err
		}

		delay := retryAfter
		if delay <= 0 {
			delay = time.Duration(1<<uint(attempt)) * time.Second
		}
		p.log.Warn("auth: token refresh retrying", "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return false, nil
}

type oauthRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// attemptRefresh performs a single refresh POST. It returns
// (success, retryAfter, terminal, err): terminal signals a 401 that
// should not be retried.
func (p *OAuthProvider) attemptRefresh(ctx context.Context) (bool, time.Duration, bool, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": p.refreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return false, 0, false, fmt.Errorf("auth: encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, bytes.NewReader(body))
	if err != nil {
		return false, 0, false, fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, 0, false, fmt.Errorf("auth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, 0, true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return false, retryAfter, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return false, 0, false, fmt.Errorf("auth: refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	var parsed oauthRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, 0, false, fmt.Errorf("auth: decode refresh response: %w", err)
	}

	rotated := parsed.RefreshToken != ""
	p.accessToken = parsed.AccessToken
	if rotated {
		p.refreshToken = parsed.RefreshToken
	}
	p.expiresAt = time.Now().UTC().Add(time.Duration(parsed.ExpiresIn) * time.Second)

	if p.persister != nil {
		if persistErr := p.persister.SetOAuthToken(ctx, p.accessToken, p.refreshToken, p.expiresAt); persistErr != nil {
			p.log.Warn("auth: failed to persist refreshed oauth token", "error", persistErr)
		}
	}

	p.log.Info("auth: oauth token refreshed", "expires_at", p.expiresAt, "rotated", rotated)
	return true, 0, false, nil
}

func (p *OAuthProvider) isExpiredLocked() bool {
	return !time.Now().UTC().Before(p.expiresAt)
}

func (p *OAuthProvider) isNearExpiryLocked() bool {
	return !time.Now().UTC().Before(p.expiresAt.Add(-refreshBuffer))
}

func (p *OAuthProvider) isNearExpiry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isNearExpiryLocked()
}

// IsValid reports whether the access token is non-empty and not
// expired.
func (p *OAuthProvider) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken != "" && !p.isExpiredLocked()
}

func (p *OAuthProvider) GetAuthMethod() string { return "oauth" }

func (p *OAuthProvider) GetContextLimit() int { return 200_000 }
