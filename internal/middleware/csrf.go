package middleware

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/csrf"
	"github.com/hitoshi/tvshelf/internal/model"
)

const (
	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"

	// csrfFormField はフォーム送信時にCSRFトークンを読み取るフィールド名。
	csrfFormField = "csrf_token"
)

// CSRFVerifier はCSRFトークンの検証に必要なインターフェース。
// csrf.Guardが実装する。
type CSRFVerifier interface {
	Verify(sessionID uuid.UUID, presented string) error
}

// NewCSRFMiddleware は状態変更リクエストのCSRFトークンを検証するミドルウェアを返す。
// セッションミドルウェアの内側に配置し、コンテキストのトークンからセッションIDを得る。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// 状態変更メソッドはX-CSRF-Tokenヘッダーまたはcsrf_tokenフォーム値の検証を必須とする。
func NewCSRFMiddleware(verifier CSRFVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			current, ok := csrf.TokenFromContext(r.Context())
			if !ok {
				slog.Error("CSRF validation failed: no session token in context",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
				return
			}

			presented := r.Header.Get(csrfHeaderName)
			if presented == "" {
				presented = r.PostFormValue(csrfFormField)
			}
			if presented == "" {
				slog.Warn("CSRF validation failed: missing token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
				return
			}

			if err := verifier.Verify(current.SessionID, presented); err != nil {
				slog.Warn("CSRF validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// コンパイル時にcsrf.GuardがCSRFVerifierを満たすことを検証する。
var _ CSRFVerifier = (*csrf.Guard)(nil)
