// Package auth は外部IdPによるログイン・ユーザー登録フローを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/tvshelf/internal/cookie"
	"github.com/hitoshi/tvshelf/internal/metrics"
	"github.com/hitoshi/tvshelf/internal/model"
	"github.com/hitoshi/tvshelf/internal/repository"
	"github.com/hitoshi/tvshelf/internal/security"
	"github.com/hitoshi/tvshelf/internal/session"
)

var (
	// ErrInvalidProvider は未登録のプロバイダー名が指定された場合に返される。
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrLoginWindowClosed はログインフローの状態Cookieが存在しない（失効・使用済み）場合に返される。
	ErrLoginWindowClosed = errors.New("login window closed")

	// ErrInvalidUser は外部アカウントがログインを許可されていない場合に返される。
	ErrInvalidUser = errors.New("invalid user")

	// ErrUserNotFound はログイン時に外部アカウントに紐付くユーザーが存在しない場合に返される。
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailInUse は登録時にメールアドレスが既に使用されている場合に返される。
	ErrEmailInUse = errors.New("email in use")
)

const (
	// flowCookiePrefix はログインフロー状態Cookieの名前の接頭辞。後ろにstateが続く。
	flowCookiePrefix = ".auth."

	// randomTokenSize はstateとnonceのバイト長。
	randomTokenSize = 32
)

// Intent はログインフローの種別。
type Intent string

const (
	IntentLogin    Intent = "login"
	IntentRegister Intent = "register"
)

// ExternalUser は外部IdPから取得したユーザー情報。
type ExternalUser struct {
	ID          string // IdP内で一意な識別子
	DisplayName string
	Email       string
	AvatarURL   string
}

// Provider は外部IdPのインターフェース。
type Provider interface {
	// Name はルーティングやuser_links.serviceに使うプロバイダー名を返す。
	Name() string
	// AuthorizeURL は認可エンドポイントへのリダイレクトURLを生成する。
	AuthorizeURL(state, nonce, challenge string) string
	// Callback は認可コードを交換し、ユーザー情報を取得する。
	Callback(ctx context.Context, code, verifier, nonce string) (*ExternalUser, error)
}

// UserStore は認証サービスが使用するユーザー永続化操作。
type UserStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	RegisterUser(ctx context.Context, user *model.User, link *model.UserLink) (*model.User, error)
}

// LinkFinder は外部IDからリンクを検索する。
type LinkFinder interface {
	FindByServiceUserID(ctx context.Context, service, serviceUserID string) (*model.UserLink, error)
}

// SessionUserStore はセッション行のユーザーを更新する。
type SessionUserStore interface {
	SetUser(ctx context.Context, id uuid.UUID, userID uuid.NullUUID) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BasePath string        // 認証ルートのパス。フロー状態Cookieのpathに使う
	FlowTTL  time.Duration // フロー状態Cookieの有効期間
	Secure   bool
	Domain   string
}

// DefaultServiceConfig はデフォルト設定を返す。
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BasePath: "/auth",
		FlowTTL:  15 * time.Minute,
	}
}

// flowState はログインフローの開始からコールバックまで保持する状態。
// Cookieストアで暗号化されるため、内容はクライアントから読めない。
type flowState struct {
	Verifier string `cbor:"1,keyasint"`
	Nonce    string `cbor:"2,keyasint"`
	ReturnTo string `cbor:"3,keyasint"`
	Intent   Intent `cbor:"4,keyasint"`
}

// Option はServiceのオプション設定関数。
type Option func(*Service)

// WithProvider はプロバイダーを登録する。名前はp.Name()で、大文字小文字を区別する。
func WithProvider(p Provider) Option {
	return func(s *Service) {
		s.providers[p.Name()] = p
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSanitizer はプロフィールの無害化処理を設定する。
func WithSanitizer(sanitizer *security.ProfileSanitizer) Option {
	return func(s *Service) {
		s.sanitizer = sanitizer
	}
}

// Service はログイン・登録・ログアウトのビジネスロジックを提供する。
type Service struct {
	users     UserStore
	links     LinkFinder
	sessions  SessionUserStore
	config    ServiceConfig
	providers map[string]Provider
	metrics   metrics.MetricsCollector
	sanitizer *security.ProfileSanitizer
}

// NewService はServiceを生成する。
func NewService(users UserStore, links LinkFinder, sessions SessionUserStore, config ServiceConfig, opts ...Option) *Service {
	defaults := DefaultServiceConfig()
	if config.BasePath == "" {
		config.BasePath = defaults.BasePath
	}
	if config.FlowTTL <= 0 {
		config.FlowTTL = defaults.FlowTTL
	}

	s := &Service{
		users:     users,
		links:     links,
		sessions:  sessions,
		config:    config,
		providers: make(map[string]Provider),
		metrics:   metrics.Nop{},
		sanitizer: security.NewProfileSanitizer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login はログインフローを開始し、IdPの認可URLを返す。
func (s *Service) Login(store *cookie.Store, provider, returnTo string) (string, error) {
	return s.start(store, provider, returnTo, IntentLogin)
}

// Register はユーザー登録フローを開始し、IdPの認可URLを返す。
func (s *Service) Register(store *cookie.Store, provider, returnTo string) (string, error) {
	return s.start(store, provider, returnTo, IntentRegister)
}

// start はstate、nonce、PKCEを生成してフロー状態をCookieに保存する。
func (s *Service) start(store *cookie.Store, name, returnTo string, intent Intent) (string, error) {
	p, ok := s.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidProvider, name)
	}

	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	encoded, err := cbor.Marshal(flowState{
		Verifier: verifier,
		Nonce:    nonce,
		ReturnTo: security.SafeReturnTo(returnTo),
		Intent:   intent,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode login flow state: %w", err)
	}

	err = store.Add(&http.Cookie{
		Name:     flowCookiePrefix + state,
		Value:    base64.RawURLEncoding.EncodeToString(encoded),
		Path:     s.config.BasePath,
		Domain:   s.config.Domain,
		MaxAge:   int(s.config.FlowTTL / time.Second),
		HttpOnly: true,
		Secure:   s.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store login flow state: %w", err)
	}

	s.metrics.RecordAuthFlowStarted(p.Name(), string(intent))
	return p.AuthorizeURL(state, nonce, oauth2.S256ChallengeFromVerifier(verifier)), nil
}

// Callback はIdPからのコールバックを処理し、成功時はセッションにユーザーを紐付けて戻り先を返す。
// フロー状態Cookieは結果に関わらず削除される。
func (s *Service) Callback(ctx context.Context, sess *session.Session, store *cookie.Store, provider, code, state string) (string, error) {
	returnTo, err := s.callback(ctx, sess, store, provider, code, state)

	label := provider
	if _, ok := s.providers[provider]; !ok {
		label = "unknown"
	}
	s.metrics.RecordAuthCallback(label, callbackResult(err))
	return returnTo, err
}

func (s *Service) callback(ctx context.Context, sess *session.Session, store *cookie.Store, name, code, state string) (string, error) {
	p, ok := s.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidProvider, name)
	}

	cookieName := flowCookiePrefix + state
	c, ok := store.Get(cookieName)
	if !ok {
		return "", ErrLoginWindowClosed
	}
	store.Remove(&http.Cookie{
		Name:     cookieName,
		Path:     s.config.BasePath,
		Domain:   s.config.Domain,
		HttpOnly: true,
		Secure:   s.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	fs, err := decodeFlowState(c.Value)
	if err != nil {
		return "", err
	}

	ext, err := p.Callback(ctx, code, fs.Verifier, fs.Nonce)
	if err != nil {
		return "", fmt.Errorf("failed to complete %s callback: %w", p.Name(), err)
	}

	var user *model.User
	switch fs.Intent {
	case IntentLogin:
		user, err = s.findLinkedUser(ctx, p.Name(), ext.ID)
		if err == nil && user == nil {
			err = ErrUserNotFound
		}
	case IntentRegister:
		user, err = s.register(ctx, p.Name(), ext)
	default:
		err = fmt.Errorf("unknown login flow intent %q", fs.Intent)
	}
	if err != nil {
		return "", err
	}

	if err := s.attach(ctx, sess, user); err != nil {
		return "", err
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID.String()),
		slog.String("provider", p.Name()),
		slog.String("intent", string(fs.Intent)),
	)
	return fs.ReturnTo, nil
}

// Logout はセッションからユーザーの紐付けを解除し、戻り先を返す。セッションIDは維持する。
func (s *Service) Logout(ctx context.Context, sess *session.Session) (string, error) {
	if err := s.sessions.SetUser(ctx, sess.ID(), uuid.NullUUID{}); err != nil {
		return "", fmt.Errorf("failed to clear session user: %w", err)
	}
	sess.SetUser(nil)

	slog.Info("user logged out", slog.String("session_id", sess.ID().String()))
	return "/", nil
}

// findLinkedUser はリンクを辿ってユーザーを取得する。リンクが無い場合はnilを返す。
func (s *Service) findLinkedUser(ctx context.Context, service, serviceUserID string) (*model.User, error) {
	link, err := s.links.FindByServiceUserID(ctx, service, serviceUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user link: %w", err)
	}
	if link == nil {
		return nil, nil
	}

	user, err := s.users.FindByID(ctx, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find linked user: %w", err)
	}
	if user == nil {
		// 外部キー制約があるため通常は発生しない
		slog.Error("user link points to a missing user",
			slog.String("service", service),
			slog.String("user_id", link.UserID.String()),
		)
		return nil, fmt.Errorf("user %s referenced by link does not exist", link.UserID)
	}
	return user, nil
}

// register は既存リンクがあればそのユーザーを返し、無ければユーザーとリンクを作成する。
func (s *Service) register(ctx context.Context, service string, ext *ExternalUser) (*model.User, error) {
	existing, err := s.findLinkedUser(ctx, service, ext.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if ext.Email == "" {
		return nil, fmt.Errorf("%s did not return an email address for %s", service, ext.ID)
	}

	user := &model.User{
		ID:          uuid.New(),
		DisplayName: s.sanitizer.DisplayName(ext.DisplayName, ext.ID),
		Email:       ext.Email,
		AvatarURL:   s.sanitizer.AvatarURL(ext.AvatarURL),
	}
	link := &model.UserLink{
		Service:       service,
		UserID:        user.ID,
		ServiceUserID: ext.ID,
	}

	registered, err := s.users.RegisterUser(ctx, user, link)
	if errors.Is(err, repository.ErrEmailInUse) {
		return nil, ErrEmailInUse
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	if registered.ID == user.ID {
		slog.Info("new user registered",
			slog.String("user_id", registered.ID.String()),
			slog.String("provider", service),
		)
	}
	return registered, nil
}

// attach はセッション行とセッションハンドルにユーザーを設定する。
func (s *Service) attach(ctx context.Context, sess *session.Session, user *model.User) error {
	err := s.sessions.SetUser(ctx, sess.ID(), uuid.NullUUID{UUID: user.ID, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to set session user: %w", err)
	}
	sess.SetUser(user)
	return nil
}

func decodeFlowState(value string) (*flowState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode login flow state: %w", err)
	}
	var fs flowState
	if err := cbor.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("failed to decode login flow state: %w", err)
	}
	return &fs, nil
}

// randomToken は32バイトの乱数をbase64urlでエンコードした文字列を返す。
func randomToken() (string, error) {
	b := make([]byte, randomTokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// callbackResult はメトリクス用にコールバックの結果を分類する。
func callbackResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidProvider):
		return "invalid_provider"
	case errors.Is(err, ErrLoginWindowClosed):
		return "login_window_closed"
	case errors.Is(err, ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrEmailInUse):
		return "email_in_use"
	default:
		return "error"
	}
}
