package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tvshelf/internal/csrf"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/session"
)

// userResponse はユーザー情報のJSONレスポンス。
type userResponse struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Email       string  `json:"email"`
	AvatarURL   *string `json:"avatar_url"`
}

// sessionResponse は現在のセッションのJSONレスポンス。
// 匿名セッションではuserがnullとなる。
type sessionResponse struct {
	SessionID string        `json:"session_id"`
	CSRFToken string        `json:"csrf_token"`
	User      *userResponse `json:"user"`
}

// GetSession は現在のセッションとCSRFトークンを返す。
// GET /api/session
func GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		slog.Error("session not found in request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}
	token, ok := csrf.TokenFromContext(r.Context())
	if !ok {
		slog.Error("csrf token not found in request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := sessionResponse{
		SessionID: sess.ID().String(),
		CSRFToken: token.String(),
	}
	if user := sess.User(); user != nil {
		resp.User = &userResponse{
			ID:          user.ID.String(),
			DisplayName: user.DisplayName,
			Email:       user.Email,
			AvatarURL:   user.AvatarURL,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
