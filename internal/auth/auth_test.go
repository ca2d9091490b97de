package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticKeyProviderRejectsBadPrefix(t *testing.T) {
	if _, err := NewStaticKeyProvider(""); err == nil {
		t.Fatal("expected error on empty key")
	}
	if _, err := NewStaticKeyProvider("invalid-key-format"); err == nil {
		t.Fatal("expected error on bad prefix")
	}
}

func TestStaticKeyProviderAccepts(t *testing.T) {
	p, err := NewStaticKeyProvider("sk-ant-api03-test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	creds, err := p.GetCredentials(context.Background())
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if creds.Type != "api_key" || creds.Value != "sk-ant-api03-test-key" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if p.GetContextLimit() != 1_000_000 {
		t.Fatalf("expected 1M context limit, got %d", p.GetContextLimit())
	}
	if p.GetAuthMethod() != "api_key" {
		t.Fatalf("expected api_key auth method, got %s", p.GetAuthMethod())
	}
	if !p.IsValid() {
		t.Fatal("expected valid")
	}
}

func TestOAuthProviderProactiveRefresh(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	p := NewOAuthProvider("old-token", "old-refresh", time.Now().UTC().Add(1*time.Minute), server.URL, nil, nil)

	creds, err := p.GetCredentials(context.Background())
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", calls)
	}
	if creds.Value != "new-token" {
		t.Fatalf("expected refreshed token, got %s", creds.Value)
	}
}

func TestOAuthProviderSkipsRefreshWhenFresh(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "x", "expires_in": 3600})
	}))
	defer server.Close()

	p := NewOAuthProvider("fresh-token", "refresh", time.Now().UTC().Add(1*time.Hour), server.URL, nil, nil)

	creds, err := p.GetCredentials(context.Background())
	if err != nil {
		t.Fatalf("get credentials: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no refresh call for a fresh token, got %d", calls)
	}
	if creds.Value != "fresh-token" {
		t.Fatalf("expected original token, got %s", creds.Value)
	}
}

func TestOAuthProviderTerminatesOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewOAuthProvider("old-token", "old-refresh", time.Now().UTC().Add(-time.Minute), server.URL, nil, nil)

	ok, err := p.RefreshCredentials(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected refresh to fail on 401")
	}
}

func TestOAuthProviderHonorsRetryAfterOn429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "y", "expires_in": 3600})
	}))
	defer server.Close()

	p := NewOAuthProvider("old-token", "old-refresh", time.Now().UTC().Add(-time.Minute), server.URL, nil, nil)

	ok, err := p.RefreshCredentials(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected refresh to eventually succeed")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (1 rate-limited + 1 success), got %d", calls)
	}
}

func TestOAuthProviderRotatesRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	p := NewOAuthProvider("old", "old-refresh", time.Now().UTC().Add(-time.Minute), server.URL, nil, nil)
	ok, err := p.RefreshCredentials(context.Background(), true)
	if err != nil || !ok {
		t.Fatalf("expected refresh success, got ok=%v err=%v", ok, err)
	}
	if p.refreshToken != "rotated-refresh" {
		t.Fatalf("expected rotated refresh token, got %s", p.refreshToken)
	}
}
