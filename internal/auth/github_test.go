package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

// githubStub はGitHubのトークンエンドポイントとユーザー情報APIを模擬するテストサーバー。
type githubStub struct {
	server *httptest.Server

	user       map[string]any
	emails     []map[string]any
	userStatus int

	gotVerifier string
	gotHeaders  http.Header
	emailsCalls int
}

func newGitHubStub(t *testing.T) *githubStub {
	t.Helper()
	stub := &githubStub{userStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token request: %v", err)
		}
		if r.PostForm.Get("code") != "test-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
			return
		}
		stub.gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		stub.gotHeaders = r.Header.Clone()
		if r.Header.Get("Authorization") != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stub.userStatus)
		json.NewEncoder(w).Encode(stub.user)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		stub.emailsCalls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stub.emails)
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *githubStub) provider(authorized ...string) *GitHubProvider {
	return NewGitHubProvider(GitHubConfig{
		ClientID:        "test-client-id",
		ClientSecret:    "test-client-secret",
		RedirectURL:     "http://localhost:8080/auth/callback/github",
		AuthorizedUsers: authorized,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.server.URL + "/login/oauth/authorize",
			TokenURL:  s.server.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserInfoURL:   s.server.URL + "/user",
		UserEmailsURL: s.server.URL + "/user/emails",
		HTTPClient:    s.server.Client(),
	})
}

func TestGitHubProvider_AuthorizeURL_ContainsPKCEAndScopes(t *testing.T) {
	p := NewGitHubProvider(GitHubConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/callback/github",
	})

	raw := p.AuthorizeURL("test-state", "test-nonce", "test-challenge")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	if !strings.HasPrefix(raw, "https://github.com/login/oauth/authorize") {
		t.Errorf("URL = %q, want GitHub authorize endpoint", raw)
	}

	q := u.Query()
	tests := []struct {
		param string
		want  string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "http://localhost:8080/auth/callback/github"},
		{"response_type", "code"},
		{"state", "test-state"},
		{"scope", "user user:email"},
		{"code_challenge", "test-challenge"},
		{"code_challenge_method", "S256"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := q.Get(tt.param); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.param, got, tt.want)
			}
		})
	}
	if q.Has("nonce") {
		t.Error("GitHub authorize URL should not carry a nonce")
	}
}

func TestGitHubProvider_Callback_Success(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{
		"login":      "alice",
		"name":       "Alice Liddell",
		"email":      "alice@example.com",
		"avatar_url": "https://avatars.githubusercontent.com/u/1",
	}

	ext, err := stub.provider("alice").Callback(context.Background(), "test-code", "test-verifier", "nonce")
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}

	if ext.ID != "alice" {
		t.Errorf("ID = %q, want %q", ext.ID, "alice")
	}
	if ext.DisplayName != "Alice Liddell" {
		t.Errorf("DisplayName = %q, want %q", ext.DisplayName, "Alice Liddell")
	}
	if ext.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", ext.Email, "alice@example.com")
	}
	if ext.AvatarURL != "https://avatars.githubusercontent.com/u/1" {
		t.Errorf("AvatarURL = %q", ext.AvatarURL)
	}
	if stub.gotVerifier != "test-verifier" {
		t.Errorf("code_verifier = %q, want %q", stub.gotVerifier, "test-verifier")
	}
	if stub.emailsCalls != 0 {
		t.Error("/user/emails should not be called when email is public")
	}

	wantHeaders := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-Github-Api-Version": "2022-11-28",
		"User-Agent":           "tvshelf",
	}
	for name, want := range wantHeaders {
		if got := stub.gotHeaders.Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
}

func TestGitHubProvider_Callback_NameFallsBackToLogin(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{"login": "bob", "name": nil, "email": "bob@example.com"}

	ext, err := stub.provider("bob").Callback(context.Background(), "test-code", "v", "")
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if ext.DisplayName != "bob" {
		t.Errorf("DisplayName = %q, want %q", ext.DisplayName, "bob")
	}
}

func TestGitHubProvider_Callback_PrivateEmailUsesPrimaryVerified(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{"login": "carol", "email": nil}
	stub.emails = []map[string]any{
		{"email": "old@example.com", "primary": false, "verified": true},
		{"email": "unverified@example.com", "primary": true, "verified": false},
		{"email": "carol@example.com", "primary": true, "verified": true},
	}

	ext, err := stub.provider("carol").Callback(context.Background(), "test-code", "v", "")
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if ext.Email != "carol@example.com" {
		t.Errorf("Email = %q, want %q", ext.Email, "carol@example.com")
	}
	if stub.emailsCalls != 1 {
		t.Errorf("emails calls = %d, want 1", stub.emailsCalls)
	}
}

func TestGitHubProvider_Callback_NoVerifiedEmail(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{"login": "dave", "email": nil}
	stub.emails = []map[string]any{{"email": "dave@example.com", "primary": true, "verified": false}}

	if _, err := stub.provider("dave").Callback(context.Background(), "test-code", "v", ""); err == nil {
		t.Fatal("expected error when no primary verified email exists")
	}
}

func TestGitHubProvider_Callback_NotAuthorized(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{"login": "mallory", "email": "mallory@example.com"}

	tests := []struct {
		name       string
		authorized []string
	}{
		{"not in list", []string{"alice", "bob"}},
		{"empty list", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := stub.provider(tt.authorized...).Callback(context.Background(), "test-code", "v", "")
			if !errors.Is(err, ErrInvalidUser) {
				t.Errorf("err = %v, want ErrInvalidUser", err)
			}
		})
	}
}

func TestGitHubProvider_Callback_TokenError(t *testing.T) {
	stub := newGitHubStub(t)

	_, err := stub.provider("alice").Callback(context.Background(), "wrong-code", "v", "")
	if err == nil {
		t.Fatal("expected error for rejected code")
	}
	if errors.Is(err, ErrInvalidUser) {
		t.Error("token error should not be reported as invalid user")
	}
}

func TestGitHubProvider_Callback_UserInfoError(t *testing.T) {
	stub := newGitHubStub(t)
	stub.user = map[string]any{"message": "Bad credentials"}
	stub.userStatus = http.StatusForbidden

	if _, err := stub.provider("alice").Callback(context.Background(), "test-code", "v", ""); err == nil {
		t.Fatal("expected error for non-2xx user info response")
	}
}
