// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tvshelf/internal/auth"
	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/model"
	"github.com/hitoshi/tvshelf/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(store *cookie.Store, provider, returnTo string) (string, error)
	Register(store *cookie.Store, provider, returnTo string) (string, error)
	Callback(ctx context.Context, sess *session.Session, store *cookie.Store, provider, code, state string) (string, error)
	Logout(ctx context.Context, sess *session.Session) (string, error)
}

// AuthHandler はログイン・登録・ログアウトのHTTPハンドラー。
// セッションミドルウェアの内側に配置する必要がある。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// Login はログインフローを開始し、IdPへリダイレクトする。
// GET /auth/login/{provider}?return_to=
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, h.service.Login)
}

// Register はユーザー登録フローを開始し、IdPへリダイレクトする。
// GET /auth/register/{provider}?return_to=
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, h.service.Register)
}

func (h *AuthHandler) start(w http.ResponseWriter, r *http.Request, begin func(*cookie.Store, string, string) (string, error)) {
	store, ok := session.CookiesFromContext(r.Context())
	if !ok {
		slog.Error("cookie store not found in request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	provider := chi.URLParam(r, "provider")
	authURL, err := begin(store, provider, r.URL.Query().Get("return_to"))
	if err != nil {
		writeAuthError(w, r, provider, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// Callback はIdPからのコールバックを処理し、戻り先へリダイレクトする。
// GET /auth/callback/{provider}?code=&state=
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sess, store, ok := requestSession(r)
	if !ok {
		slog.Error("session not found in request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("codeとstateは必須です"))
		return
	}

	provider := chi.URLParam(r, "provider")
	returnTo, err := h.service.Callback(r.Context(), sess, store, provider, code, state)
	if err != nil {
		writeAuthError(w, r, provider, err)
		return
	}

	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// Logout はセッションからユーザーの紐付けを解除し、トップページへリダイレクトする。
// GET /auth/logout, POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := requestSession(r)
	if !ok {
		slog.Error("session not found in request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	returnTo, err := h.service.Logout(r.Context(), sess)
	if err != nil {
		slog.Error("failed to logout",
			slog.String("session_id", sess.ID().String()),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// requestSession はリクエストコンテキストからセッションとCookieストアを取り出す。
func requestSession(r *http.Request) (*session.Session, *cookie.Store, bool) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	store, ok := session.CookiesFromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	return sess, store, true
}

// writeAuthError は認証エラーを統一エラーフォーマットのレスポンスに変換する。
func writeAuthError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidProvider):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewInvalidProviderError(provider))
	case errors.Is(err, auth.ErrLoginWindowClosed):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewLoginWindowClosedError())
	case errors.Is(err, auth.ErrInvalidUser):
		slog.Warn("login rejected", slog.String("provider", provider), slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidUserError())
	case errors.Is(err, auth.ErrUserNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case errors.Is(err, auth.ErrEmailInUse):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailInUseError())
	default:
		attrs := []any{
			slog.String("provider", provider),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		}
		if sess, ok := session.FromContext(r.Context()); ok {
			attrs = append(attrs, slog.String("session_id", sess.ID().String()))
		}
		slog.Error("failed to complete authentication", attrs...)
		middleware.WriteInternalServerError(w)
	}
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)
