package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/csrf"
	"github.com/hitoshi/tvshelf/internal/model"
)

var (
	testCookieKey = []byte("0123456789abcdef0123456789abcdef")
	testCSRFKey   = []byte("csrf-test-key-csrf-test-key-csrf-test-key-csrf-test-key-64bytes!")
)

// withSessionToken はセッションミドルウェアと同様に、セッションに束縛されたトークンをコンテキストに格納する。
func withSessionToken(t *testing.T, guard *csrf.Guard, r *http.Request, sessionID uuid.UUID) (*http.Request, csrf.Token) {
	t.Helper()

	store, err := cookie.New(r, testCookieKey)
	if err != nil {
		t.Fatalf("cookie.New() error = %v", err)
	}
	token, err := guard.GetOrCreate(sessionID, store)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	return r.WithContext(csrf.ContextWithToken(r.Context(), token)), token
}

func newCSRFHandler(guard *csrf.Guard, called *bool) http.Handler {
	return NewCSRFMiddleware(guard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func assertCSRFRejected(t *testing.T, w *httptest.ResponseRecorder, called bool) {
	t.Helper()

	if called {
		t.Error("handler should not have been called")
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeCSRFInvalid {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
	}
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			newCSRFHandler(guard, &called).ServeHTTP(w, httptest.NewRequest(method, "/", nil))

			if !called {
				t.Fatal("handler should have been called")
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_ValidHeaderToken_Passes(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})
	req, token := withSessionToken(t, guard, httptest.NewRequest(http.MethodPost, "/auth/logout", nil), uuid.New())
	req.Header.Set("X-CSRF-Token", token.String())

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(guard, &called).ServeHTTP(w, req)

	if !called {
		t.Fatal("handler should have been called with a valid token")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCSRFMiddleware_ValidFormToken_Passes(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})
	sessionID := uuid.New()

	// トークンを先に発行してからフォームを組み立てる
	base, token := withSessionToken(t, guard, httptest.NewRequest(http.MethodGet, "/", nil), sessionID)
	form := url.Values{"csrf_token": {token.String()}}
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(base.Context())

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(guard, &called).ServeHTTP(w, req)

	if !called {
		t.Fatal("handler should have been called with a valid form token")
	}
}

func TestCSRFMiddleware_StateMutatingMethods_RequireToken(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req, _ := withSessionToken(t, guard, httptest.NewRequest(method, "/auth/logout", nil), uuid.New())

			called := false
			w := httptest.NewRecorder()
			newCSRFHandler(guard, &called).ServeHTTP(w, req)

			assertCSRFRejected(t, w, called)
		})
	}
}

func TestCSRFMiddleware_TokenFromAnotherSession_Rejected(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})

	_, otherToken := withSessionToken(t, guard, httptest.NewRequest(http.MethodGet, "/", nil), uuid.New())
	req, _ := withSessionToken(t, guard, httptest.NewRequest(http.MethodPost, "/auth/logout", nil), uuid.New())
	req.Header.Set("X-CSRF-Token", otherToken.String())

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(guard, &called).ServeHTTP(w, req)

	assertCSRFRejected(t, w, called)
}

func TestCSRFMiddleware_ForgedToken_Rejected(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})
	req, _ := withSessionToken(t, guard, httptest.NewRequest(http.MethodPost, "/auth/logout", nil), uuid.New())
	req.Header.Set("X-CSRF-Token", "not-a-valid-token")

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(guard, &called).ServeHTTP(w, req)

	assertCSRFRejected(t, w, called)
}

func TestCSRFMiddleware_NoSessionContext_Rejected(t *testing.T) {
	guard := csrf.NewGuard(testCSRFKey, csrf.Config{})
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("X-CSRF-Token", "anything")

	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(guard, &called).ServeHTTP(w, req)

	assertCSRFRejected(t, w, called)
}
