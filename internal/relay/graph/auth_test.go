package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func tokenServer(t *testing.T, calls *atomic.Int32, tokens ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		token := tokens[len(tokens)-1]
		if int(n) <= len(tokens) {
			token = tokens[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpiresIn: 3600, TokenType: "Bearer"})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenCache_AcquiresToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		want := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "test-client-id",
			"client_secret": "test-client-secret",
			"scope":         "https://graph.microsoft.com/.default",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s: got %q, want %q", k, got, v)
			}
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-access-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "test-client-id", "test-client-secret", server.Client())
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token: got %q, want %q", token, "test-access-token")
	}
}

func TestTokenCache_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, "cached-token")
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tc.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1", got)
	}
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, "first", "second")
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())

	if token, _ := tc.Token(context.Background()); token != "first" {
		t.Errorf("first token: got %q", token)
	}
	token, err := tc.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if token != "second" {
		t.Errorf("refreshed token: got %q, want %q", token, "second")
	}
	if token, _ := tc.Token(context.Background()); token != "second" {
		t.Errorf("cached token after refresh: got %q", token)
	}
}

func TestTokenCache_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "error status", status: http.StatusUnauthorized, body: `{"error":"invalid_client"}`, wantErr: "token endpoint returned 401"},
		{name: "invalid json", status: http.StatusOK, body: `not json`, wantErr: "failed to parse token response"},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":3600}`, wantErr: "missing access_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tc := newTokenCache(server.URL, "cid", "csecret", server.Client())
			_, err := tc.Token(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Token: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
