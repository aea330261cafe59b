// Package session はリクエスト単位のセッション解決とスライディング有効期限を提供する。
package session

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/model"
)

// Session はリクエストの間だけ共有されるセッションハンドル。
// ユーザーの差し替えと削除マークはどのレイヤーからでも行える。
type Session struct {
	id          uuid.UUID
	initialUser uuid.NullUUID
	user        atomic.Pointer[model.User]
	deleted     atomic.Bool
}

// New はセッションハンドルを生成する。userがnilの場合は匿名セッションとなる。
func New(id uuid.UUID, user *model.User) *Session {
	s := &Session{id: id}
	if user != nil {
		s.initialUser = uuid.NullUUID{UUID: user.ID, Valid: true}
		s.user.Store(user)
	}
	return s
}

// ID はセッションIDを返す。
func (s *Session) ID() uuid.UUID {
	return s.id
}

// User は現在のユーザーを返す。匿名セッションではnil。
func (s *Session) User() *model.User {
	return s.user.Load()
}

// SetUser はユーザーを差し替える。nilを渡すと匿名に戻る。
func (s *Session) SetUser(user *model.User) {
	s.user.Store(user)
}

// Delete はセッションに削除マークを付ける。
// レスポンス時にCookieが削除され、ハンドラー完了後に行が削除される。
func (s *Session) Delete() {
	s.deleted.Store(true)
}

// Deleted は削除マークが付いているかを返す。
func (s *Session) Deleted() bool {
	return s.deleted.Load()
}

// userChanged はリクエスト開始時からユーザーが変わったかを返す。
func (s *Session) userChanged() bool {
	current := s.User()
	if current == nil {
		return s.initialUser.Valid
	}
	return !s.initialUser.Valid || s.initialUser.UUID != current.ID
}

type contextKey int

const (
	sessionKey contextKey = iota
	cookiesKey
)

// NewContext はセッションハンドルとCookieストアをコンテキストに格納する。
func NewContext(ctx context.Context, sess *Session, store *cookie.Store) context.Context {
	ctx = context.WithValue(ctx, sessionKey, sess)
	return context.WithValue(ctx, cookiesKey, store)
}

// FromContext はリクエストコンテキストからセッションハンドルを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*Session)
	return sess, ok && sess != nil
}

// CookiesFromContext はリクエストコンテキストからCookieストアを取得する。
func CookiesFromContext(ctx context.Context) (*cookie.Store, bool) {
	store, ok := ctx.Value(cookiesKey).(*cookie.Store)
	return store, ok && store != nil
}
