package csrf

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/cookie"
)

var (
	cookieKey = bytes.Repeat([]byte{0x01}, 32)
	csrfKey   = bytes.Repeat([]byte{0x02}, 64)
)

// newStore はcookiesを持つリクエストからCookieストアを生成する。
func newStore(t *testing.T, cookies ...*http.Cookie) *cookie.Store {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	s, err := cookie.New(req, cookieKey)
	if err != nil {
		t.Fatalf("cookie.New() error = %v", err)
	}
	return s
}

// issue は新しいストアでトークンを発行し、次のリクエストに載せるCookieを返す。
func issue(t *testing.T, g *Guard, sessionID uuid.UUID) (Token, *http.Cookie) {
	t.Helper()
	store := newStore(t)
	token, err := g.GetOrCreate(sessionID, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	delta := store.Delta()
	if len(delta) != 1 {
		t.Fatalf("len(Delta()) = %d, want 1", len(delta))
	}
	return token, &http.Cookie{Name: delta[0].Name, Value: delta[0].Value}
}

func TestGetOrCreate_IssuesCookie(t *testing.T) {
	g := NewGuard(csrfKey, Config{Secure: true})
	sessionID := uuid.New()

	store := newStore(t)
	token, err := g.GetOrCreate(sessionID, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if token.SessionID != sessionID {
		t.Errorf("SessionID = %v, want %v", token.SessionID, sessionID)
	}
	if token.String() == "" {
		t.Error("token string should not be empty")
	}

	delta := store.Delta()
	if len(delta) != 1 {
		t.Fatalf("len(Delta()) = %d, want 1", len(delta))
	}
	c := delta[0]
	if c.Name != CookieName || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie = %+v, want HttpOnly Secure Strict %s", c, CookieName)
	}
	if c.MaxAge != 0 || !c.Expires.IsZero() {
		t.Errorf("csrf cookie should be session-scoped, got MaxAge=%d Expires=%v", c.MaxAge, c.Expires)
	}
}

// TestGetOrCreate_ReusesValidToken は同じセッションのトークンがそのまま返されることを検証する。
func TestGetOrCreate_ReusesValidToken(t *testing.T) {
	g := NewGuard(csrfKey, Config{})
	sessionID := uuid.New()
	first, c := issue(t, g, sessionID)

	store := newStore(t, c)
	second, err := g.GetOrCreate(sessionID, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if second.String() != first.String() {
		t.Error("valid token should be returned unchanged")
	}
	if len(store.Delta()) != 0 {
		t.Error("valid token should not be reissued")
	}
}

// TestGetOrCreate_SessionSwitch はセッションAのトークンがセッションBで再利用されないことを検証する。
func TestGetOrCreate_SessionSwitch(t *testing.T) {
	g := NewGuard(csrfKey, Config{})
	sessionA, sessionB := uuid.New(), uuid.New()
	tokenA, c := issue(t, g, sessionA)

	store := newStore(t, c)
	tokenB, err := g.GetOrCreate(sessionB, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if tokenB.SessionID != sessionB {
		t.Errorf("SessionID = %v, want %v", tokenB.SessionID, sessionB)
	}
	if tokenB.String() == tokenA.String() {
		t.Error("token for session A must be replaced")
	}
	if len(store.Delta()) != 1 {
		t.Error("replacement token should be stored in the cookie")
	}
	if err := g.Verify(sessionB, tokenA.String()); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("Verify(B, tokenA) error = %v, want ErrSessionMismatch", err)
	}
}

// TestGetOrCreate_ForeignKey は別の鍵で署名されたトークンが再発行されることを検証する。
func TestGetOrCreate_ForeignKey(t *testing.T) {
	sessionID := uuid.New()
	_, c := issue(t, NewGuard(bytes.Repeat([]byte{0x03}, 64), Config{}), sessionID)

	g := NewGuard(csrfKey, Config{})
	store := newStore(t, c)
	token, err := g.GetOrCreate(sessionID, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := g.Verify(sessionID, token.String()); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if len(store.Delta()) != 1 {
		t.Error("token signed with another key should be reissued")
	}
}

func TestVerify(t *testing.T) {
	g := NewGuard(csrfKey, Config{})
	sessionID := uuid.New()
	token, _ := issue(t, g, sessionID)

	tampered := []byte(token.String())
	i := len(tampered) / 2
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}

	tests := []struct {
		name      string
		sessionID uuid.UUID
		presented string
		wantErr   error
	}{
		{"valid token", sessionID, token.String(), nil},
		{"other session", uuid.New(), token.String(), ErrSessionMismatch},
		{"empty", sessionID, "", ErrInvalidToken},
		{"not base64", sessionID, "!!!", ErrInvalidToken},
		{"tampered", sessionID, string(tampered), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Verify(tt.sessionID, tt.presented)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenFromContext(t *testing.T) {
	if _, ok := TokenFromContext(context.Background()); ok {
		t.Error("empty context should not contain a token")
	}

	token := Token{SessionID: uuid.New(), sealed: "sealed"}
	got, ok := TokenFromContext(ContextWithToken(context.Background(), token))
	if !ok || got != token {
		t.Errorf("TokenFromContext() = %v, %v", got, ok)
	}
}
