package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/auth"
	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/model"
	"github.com/hitoshi/tvshelf/internal/session"
)

var testCookieKey = []byte("0123456789abcdef0123456789abcdef")

// --- モック定義 ---

type mockAuthService struct {
	loginFn    func(store *cookie.Store, provider, returnTo string) (string, error)
	registerFn func(store *cookie.Store, provider, returnTo string) (string, error)
	callbackFn func(ctx context.Context, sess *session.Session, store *cookie.Store, provider, code, state string) (string, error)
	logoutFn   func(ctx context.Context, sess *session.Session) (string, error)
}

func (m *mockAuthService) Login(store *cookie.Store, provider, returnTo string) (string, error) {
	if m.loginFn != nil {
		return m.loginFn(store, provider, returnTo)
	}
	return "https://idp.example/authorize", nil
}

func (m *mockAuthService) Register(store *cookie.Store, provider, returnTo string) (string, error) {
	if m.registerFn != nil {
		return m.registerFn(store, provider, returnTo)
	}
	return "https://idp.example/authorize", nil
}

func (m *mockAuthService) Callback(ctx context.Context, sess *session.Session, store *cookie.Store, provider, code, state string) (string, error) {
	if m.callbackFn != nil {
		return m.callbackFn(ctx, sess, store, provider, code, state)
	}
	return "/", nil
}

func (m *mockAuthService) Logout(ctx context.Context, sess *session.Session) (string, error) {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sess)
	}
	return "/", nil
}

// --- テストヘルパー ---

// serveAuth はセッションをコンテキストに格納したリクエストを認証ルートに送る。
func serveAuth(t *testing.T, svc AuthServiceInterface, method, target string, sess *session.Session) *httptest.ResponseRecorder {
	t.Helper()

	h := NewAuthHandler(svc)
	r := chi.NewRouter()
	r.Get("/auth/login/{provider}", h.Login)
	r.Get("/auth/register/{provider}", h.Register)
	r.Get("/auth/callback/{provider}", h.Callback)
	r.Get("/auth/logout", h.Logout)

	req := httptest.NewRequest(method, target, nil)
	if sess != nil {
		store, err := cookie.New(req, testCookieKey)
		if err != nil {
			t.Fatalf("cookie.New() error = %v", err)
		}
		req = req.WithContext(session.NewContext(req.Context(), sess, store))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsToProvider(t *testing.T) {
	var gotProvider, gotReturnTo string
	svc := &mockAuthService{
		loginFn: func(store *cookie.Store, provider, returnTo string) (string, error) {
			if store == nil {
				t.Error("cookie store should be passed to the service")
			}
			gotProvider, gotReturnTo = provider, returnTo
			return "https://github.com/login/oauth/authorize?state=abc", nil
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/login/github?return_to=%2Fshows%2F42", session.New(uuid.New(), nil))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "https://github.com/login/oauth/authorize?state=abc" {
		t.Errorf("Location = %q", loc)
	}
	if gotProvider != "github" || gotReturnTo != "/shows/42" {
		t.Errorf("Login(%q, %q), want (github, /shows/42)", gotProvider, gotReturnTo)
	}
}

func TestAuthHandler_Register_RedirectsToProvider(t *testing.T) {
	called := false
	svc := &mockAuthService{
		registerFn: func(store *cookie.Store, provider, returnTo string) (string, error) {
			called = true
			return "https://github.com/login/oauth/authorize", nil
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/register/github", session.New(uuid.New(), nil))

	if !called {
		t.Fatal("Register should be called")
	}
	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

func TestAuthHandler_Login_UnknownProvider_Returns404(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(store *cookie.Store, provider, returnTo string) (string, error) {
			return "", fmt.Errorf("%w: %s", auth.ErrInvalidProvider, provider)
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/login/gitlab", session.New(uuid.New(), nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeInvalidProvider {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidProvider)
	}
}

func TestAuthHandler_Callback_Success_RedirectsToReturnTo(t *testing.T) {
	sess := session.New(uuid.New(), nil)
	svc := &mockAuthService{
		callbackFn: func(ctx context.Context, s *session.Session, store *cookie.Store, provider, code, state string) (string, error) {
			if s != sess {
				t.Error("request session should be passed to the service")
			}
			if provider != "github" || code != "the-code" || state != "the-state" {
				t.Errorf("Callback(%q, %q, %q)", provider, code, state)
			}
			return "/shows/42", nil
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/callback/github?code=the-code&state=the-state", sess)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/shows/42" {
		t.Errorf("Location = %q, want /shows/42", loc)
	}
}

func TestAuthHandler_Callback_MissingParams_Returns400(t *testing.T) {
	svc := &mockAuthService{
		callbackFn: func(ctx context.Context, s *session.Session, store *cookie.Store, provider, code, state string) (string, error) {
			t.Fatal("service should not be called without code and state")
			return "", nil
		},
	}

	for _, target := range []string{
		"/auth/callback/github",
		"/auth/callback/github?code=abc",
		"/auth/callback/github?state=abc",
	} {
		t.Run(target, func(t *testing.T) {
			w := serveAuth(t, svc, http.MethodGet, target, session.New(uuid.New(), nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAuthHandler_Callback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid provider", fmt.Errorf("%w: gitlab", auth.ErrInvalidProvider), http.StatusNotFound, model.ErrCodeInvalidProvider},
		{"login window closed", auth.ErrLoginWindowClosed, http.StatusBadRequest, model.ErrCodeLoginWindowClosed},
		{"invalid user", fmt.Errorf("failed to complete github callback: %w", auth.ErrInvalidUser), http.StatusUnauthorized, model.ErrCodeInvalidUser},
		{"user not found", auth.ErrUserNotFound, http.StatusNotFound, model.ErrCodeUserNotFound},
		{"email in use", auth.ErrEmailInUse, http.StatusConflict, model.ErrCodeEmailInUse},
		{"other", errors.New("connection reset"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				callbackFn: func(ctx context.Context, s *session.Session, store *cookie.Store, provider, code, state string) (string, error) {
					return "", tt.err
				},
			}

			w := serveAuth(t, svc, http.MethodGet, "/auth/callback/github?code=c&state=s", session.New(uuid.New(), nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if loc := w.Header().Get("Location"); loc != "" {
				t.Errorf("Location = %q, want none on error", loc)
			}
		})
	}
}

func TestAuthHandler_Logout_RedirectsHome(t *testing.T) {
	sess := session.New(uuid.New(), &model.User{ID: uuid.New()})
	called := false
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, s *session.Session) (string, error) {
			called = s == sess
			return "/", nil
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/logout", sess)

	if !called {
		t.Fatal("Logout should be called with the request session")
	}
	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
}

func TestAuthHandler_Logout_Error_Returns500(t *testing.T) {
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, s *session.Session) (string, error) {
			return "", errors.New("db down")
		},
	}

	w := serveAuth(t, svc, http.MethodGet, "/auth/logout", session.New(uuid.New(), nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_NoSessionContext_Returns500(t *testing.T) {
	svc := &mockAuthService{}

	for _, target := range []string{"/auth/login/github", "/auth/callback/github?code=c&state=s", "/auth/logout"} {
		t.Run(target, func(t *testing.T) {
			w := serveAuth(t, svc, http.MethodGet, target, nil)
			if w.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
			}
		})
	}
}
