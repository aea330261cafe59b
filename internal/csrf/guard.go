// Package csrf はセッションに束縛されたCSRFトークンを発行・検証する。
//
// トークンは {session_id, nonce} をCBORでエンコードし、HMAC-SHA256で署名したもの。
// 署名が正しく、かつ埋め込まれたセッションIDが現在のセッションと一致する場合のみ信頼する。
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/cookie"
)

// CookieName はCSRFトークンを保持するCookieの名前。
const CookieName = ".csrf"

const (
	nonceSize     = 32
	signatureSize = sha256.Size
)

var (
	// ErrInvalidToken はトークンの形式または署名が不正な場合に返される。
	ErrInvalidToken = errors.New("csrf: invalid token")

	// ErrSessionMismatch はトークンが別のセッションに束縛されている場合に返される。
	ErrSessionMismatch = errors.New("csrf: token bound to another session")
)

// payload は署名対象のトークン本体。
type payload struct {
	SessionID [16]byte        `cbor:"1,keyasint"`
	Nonce     [nonceSize]byte `cbor:"2,keyasint"`
}

// Token は現在のセッションに束縛されたCSRFトークン。
type Token struct {
	SessionID uuid.UUID
	sealed    string
}

// String はフォームやヘッダーで送信するトークン文字列を返す。
func (t Token) String() string {
	return t.sealed
}

// Config はCSRF Cookieの属性。
type Config struct {
	Secure bool
	Domain string
}

// Guard はCSRFトークンの発行と検証を行う。
// 鍵はセッションCookieの鍵とは独立に導出されたもの。
type Guard struct {
	key []byte
	cfg Config
}

// NewGuard はGuardを生成する。
func NewGuard(key []byte, cfg Config) *Guard {
	return &Guard{key: key, cfg: cfg}
}

// GetOrCreate はCookieストアから現在のトークンを取り出す。
// Cookieが無い、検証に失敗する、または別のセッションに束縛されている場合は
// 新しいトークンを発行してCookieに設定する。
func (g *Guard) GetOrCreate(sessionID uuid.UUID, store *cookie.Store) (Token, error) {
	if c, ok := store.Get(CookieName); ok {
		p, err := g.unseal(c.Value)
		if err == nil && uuid.UUID(p.SessionID) == sessionID {
			return Token{SessionID: sessionID, sealed: c.Value}, nil
		}
	}

	token, err := g.mint(sessionID)
	if err != nil {
		return Token{}, err
	}

	err = store.Add(&http.Cookie{
		Name:     CookieName,
		Value:    token.sealed,
		Path:     "/",
		Domain:   g.cfg.Domain,
		HttpOnly: true,
		Secure:   g.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	if err != nil {
		return Token{}, fmt.Errorf("failed to store csrf cookie: %w", err)
	}
	return token, nil
}

// Verify は提示されたトークンが署名検証に成功し、指定したセッションに束縛されていることを確認する。
func (g *Guard) Verify(sessionID uuid.UUID, presented string) error {
	p, err := g.unseal(presented)
	if err != nil {
		return err
	}
	if uuid.UUID(p.SessionID) != sessionID {
		return ErrSessionMismatch
	}
	return nil
}

func (g *Guard) mint(sessionID uuid.UUID) (Token, error) {
	p := payload{SessionID: sessionID}
	if _, err := rand.Read(p.Nonce[:]); err != nil {
		return Token{}, fmt.Errorf("failed to generate csrf nonce: %w", err)
	}

	sealed, err := g.seal(p)
	if err != nil {
		return Token{}, err
	}
	return Token{SessionID: sessionID, sealed: sealed}, nil
}

// seal は base64url(cbor(payload) || HMAC-SHA256(cbor(payload))) を返す。
func (g *Guard) seal(p payload) (string, error) {
	message, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode csrf token: %w", err)
	}

	mac := hmac.New(sha256.New, g.key)
	mac.Write(message)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(message)), nil
}

func (g *Guard) unseal(sealed string) (payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) <= signatureSize {
		return payload{}, ErrInvalidToken
	}
	message, signature := raw[:len(raw)-signatureSize], raw[len(raw)-signatureSize:]

	mac := hmac.New(sha256.New, g.key)
	mac.Write(message)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return payload{}, ErrInvalidToken
	}

	var p payload
	if err := cbor.Unmarshal(message, &p); err != nil {
		return payload{}, ErrInvalidToken
	}
	return p, nil
}

type contextKey struct{}

// ContextWithToken はコンテキストにCSRFトークンを格納する。
func ContextWithToken(ctx context.Context, token Token) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

// TokenFromContext はリクエストコンテキストから現在のCSRFトークンを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func TokenFromContext(ctx context.Context) (Token, bool) {
	token, ok := ctx.Value(contextKey{}).(Token)
	return token, ok
}
