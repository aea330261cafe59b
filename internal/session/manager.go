package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/csrf"
	"github.com/hitoshi/tvshelf/internal/metrics"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/model"
)

// ErrExpiryOutOfRange は有効期限の計算結果が表現可能な範囲を超えた場合に返される。
var ErrExpiryOutOfRange = errors.New("session expiry out of range")

// maxExpiryYear はPostgreSQLのtimestamptzに安全に保存できる年の上限。
const maxExpiryYear = 9999

// Repository はセッションマネージャーが使用するセッション永続化操作。
// repository.SessionRepositoryの部分集合として定義する。
type Repository interface {
	Create(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id uuid.UUID, now time.Time) (*model.Session, error)
	Extend(ctx context.Context, id uuid.UUID, lastAccessAt, expiresAt time.Time) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// UserFinder はセッションに紐付くユーザーの取得に必要なインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// Config はセッションCookieと有効期限の設定。
type Config struct {
	CookieName   string
	AnonymousTTL time.Duration
	UserTTL      time.Duration
	RefreshAfter time.Duration
	Secure       bool
	Domain       string
	Path         string
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		CookieName:   "session",
		AnonymousTTL: 12 * time.Hour,
		UserTTL:      30 * 24 * time.Hour,
		RefreshAfter: time.Hour,
		Path:         "/",
	}
}

// Option はManagerのオプション設定関数。
type Option func(*Manager)

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithClock は現在時刻の取得関数を設定する。テスト用。
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// Manager はリクエストごとにセッションを1つ解決し、レスポンス時にCookieとDBへ同期する。
type Manager struct {
	sessions Repository
	users    UserFinder
	guard    *csrf.Guard
	key      []byte
	cfg      Config
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewManager はManagerを生成する。keyはCookie暗号化鍵（32バイト）。
func NewManager(sessions Repository, users UserFinder, guard *csrf.Guard, key []byte, cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.CookieName == "" {
		cfg.CookieName = defaults.CookieName
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}

	m := &Manager{
		sessions: sessions,
		users:    users,
		guard:    guard,
		key:      key,
		cfg:      cfg,
		metrics:  metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Middleware はセッションを解決してリクエストコンテキストに注入するミドルウェア。
// セッションの作成・更新・読み込みに失敗した場合は500を返す。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		store, err := cookie.New(r, m.key)
		if err != nil {
			slog.Error("failed to create cookie store", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}

		sess, err := m.resolve(ctx, store)
		if err != nil {
			slog.Error("failed to resolve session",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}

		token, err := m.guard.GetOrCreate(sess.ID(), store)
		if err != nil {
			slog.Error("failed to get csrf token",
				slog.String("session_id", sess.ID().String()),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}

		ctx = NewContext(ctx, sess, store)
		ctx = csrf.ContextWithToken(ctx, token)

		sw := &syncWriter{
			ResponseWriter: w,
			sync: func(w http.ResponseWriter) error {
				return m.sync(ctx, w, sess, store)
			},
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		sw.finish()

		if sess.Deleted() {
			// クライアント切断後も削除は完了させる
			if err := m.sessions.DeleteByID(context.WithoutCancel(ctx), sess.ID()); err != nil {
				slog.Error("failed to delete session",
					slog.String("session_id", sess.ID().String()),
					slog.String("error", err.Error()),
				)
			} else {
				m.metrics.RecordSessionDeleted()
			}
		}

		attrs := []slog.Attr{slog.String("session_id", sess.ID().String())}
		if user := sess.User(); user != nil {
			attrs = append(attrs, slog.String("user_id", user.ID.String()))
		}
		middleware.AddLogAttrs(r.Context(), attrs...)
	})
}

// resolve はCookieからセッションを解決する。
// Cookieが無い、不正、または対応する行が存在しない場合は匿名セッションを作成する。
func (m *Manager) resolve(ctx context.Context, store *cookie.Store) (*Session, error) {
	now := m.now()

	if c, ok := store.Get(m.cfg.CookieName); ok {
		if id, err := uuid.Parse(c.Value); err == nil {
			row, err := m.sessions.FindByID(ctx, id, now)
			if err != nil {
				return nil, err
			}
			if row != nil {
				return m.refresh(ctx, store, row, now)
			}
		}
	}

	return m.create(ctx, store, now)
}

// create は匿名セッションを作成し、Cookieを設定する。
func (m *Manager) create(ctx context.Context, store *cookie.Store, now time.Time) (*Session, error) {
	expiresAt, err := m.expiry(now, false)
	if err != nil {
		return nil, err
	}

	row := &model.Session{
		ID:           uuid.New(),
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    expiresAt,
	}
	if err := m.sessions.Create(ctx, row); err != nil {
		return nil, err
	}
	if err := m.setCookie(store, row.ID, expiresAt); err != nil {
		return nil, err
	}
	m.metrics.RecordSessionCreated()

	return New(row.ID, nil), nil
}

// refresh は最終アクセスから閾値以上経過していれば有効期限を延長し、ユーザーを読み込む。
func (m *Manager) refresh(ctx context.Context, store *cookie.Store, row *model.Session, now time.Time) (*Session, error) {
	if now.Sub(row.LastAccessAt) >= m.cfg.RefreshAfter {
		expiresAt, err := m.expiry(now, row.HasUser())
		if err != nil {
			return nil, err
		}
		if err := m.sessions.Extend(ctx, row.ID, now, expiresAt); err != nil {
			return nil, err
		}
		if err := m.setCookie(store, row.ID, expiresAt); err != nil {
			return nil, err
		}
		m.metrics.RecordSessionExtended()
	}

	if !row.HasUser() {
		return New(row.ID, nil), nil
	}

	user, err := m.users.FindByID(ctx, row.UserID.UUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}
	return New(row.ID, user), nil
}

// sync はレスポンスヘッダーの送信直前に呼ばれ、セッションの変更をCookieとDBに反映する。
// 削除マークがあればCookieを削除し、ユーザーが変わっていれば新しい状態のTTLで有効期限を再計算する。
func (m *Manager) sync(ctx context.Context, w http.ResponseWriter, sess *Session, store *cookie.Store) error {
	switch {
	case sess.Deleted():
		store.Remove(m.cookie("", time.Time{}))
	case sess.userChanged():
		now := m.now()
		expiresAt, err := m.expiry(now, sess.User() != nil)
		if err != nil {
			return err
		}
		if err := m.sessions.Extend(ctx, sess.ID(), now, expiresAt); err != nil {
			return err
		}
		if err := m.setCookie(store, sess.ID(), expiresAt); err != nil {
			return err
		}
	}

	store.Write(w)
	return nil
}

// expiry はnowから状態に応じたTTLを加えた有効期限を返す。
func (m *Manager) expiry(now time.Time, authenticated bool) (time.Time, error) {
	ttl := m.cfg.AnonymousTTL
	if authenticated {
		ttl = m.cfg.UserTTL
	}
	expiresAt := now.Add(ttl)
	if ttl <= 0 || !expiresAt.After(now) || expiresAt.Year() > maxExpiryYear {
		return time.Time{}, fmt.Errorf("%w: now=%s ttl=%s", ErrExpiryOutOfRange, now.Format(time.RFC3339), ttl)
	}
	return expiresAt, nil
}

func (m *Manager) setCookie(store *cookie.Store, id uuid.UUID, expiresAt time.Time) error {
	if err := store.Add(m.cookie(id.String(), expiresAt)); err != nil {
		return fmt.Errorf("failed to set session cookie: %w", err)
	}
	return nil
}

func (m *Manager) cookie(value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     m.cfg.Path,
		Domain:   m.cfg.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
