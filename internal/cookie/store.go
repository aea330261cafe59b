// Package cookie はリクエスト単位の暗号化Cookieストアを提供する。
//
// 値はXChaCha20-Poly1305で暗号化され、Cookie名を関連データとして認証される。
// 変更はバッファされ、レスポンス時に差分（追加・変更・削除）だけがSet-Cookieとして出力される。
package cookie

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyLength は暗号化鍵の長さが不正な場合に返される。
var ErrKeyLength = errors.New("cookie: key must be 32 bytes")

// entry はバッファされた変更1件。
type entry struct {
	cookie  *http.Cookie // Set-Cookieとして出力する値（暗号化済み）
	plain   string       // 復号済みの値
	removed bool
}

// Store は1リクエストに閉じたCookieジャー。
// リクエストコンテキスト経由で共有されるため、内部状態はmutexで保護する。
type Store struct {
	aead cipher.AEAD

	mu       sync.Mutex
	original map[string]*http.Cookie
	changes  map[string]*entry
	order    []string
}

// New はリクエストのCookieヘッダーからStoreを生成する。
// 同名のCookieが複数ある場合は先頭のものを使う。
func New(r *http.Request, key []byte) (*Store, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	original := make(map[string]*http.Cookie)
	for _, c := range r.Cookies() {
		if _, ok := original[c.Name]; !ok {
			original[c.Name] = c
		}
	}

	return &Store{
		aead:     aead,
		original: original,
		changes:  make(map[string]*entry),
	}, nil
}

// Get は名前に対応するCookieを復号して返す。
// バッファ済みの変更を優先し、復号や認証に失敗した値は存在しないものとして扱う。
func (s *Store) Get(name string) (*http.Cookie, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.changes[name]; ok {
		if e.removed {
			return nil, false
		}
		c := *e.cookie
		c.Value = e.plain
		return &c, true
	}

	orig, ok := s.original[name]
	if !ok {
		return nil, false
	}
	plain, err := s.open(name, orig.Value)
	if err != nil {
		return nil, false
	}
	c := *orig
	c.Value = plain
	return &c, true
}

// Add はCookieの値を暗号化して変更としてバッファする。
func (s *Store) Add(c *http.Cookie) error {
	sealed, err := s.seal(c.Name, c.Value)
	if err != nil {
		return err
	}

	out := *c
	out.Value = sealed

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(c.Name, &entry{cookie: &out, plain: c.Value})
	return nil
}

// Remove はCookieの削除をバッファする。
// 元のリクエストに存在しないCookieはバッファ済みの追加を取り消すだけで、削除ヘッダーは出力しない。
func (s *Store) Remove(c *http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.original[c.Name]; !ok {
		s.forget(c.Name)
		return
	}

	s.record(c.Name, &entry{
		cookie: &http.Cookie{
			Name:     c.Name,
			Value:    "",
			Path:     c.Path,
			Domain:   c.Domain,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		},
		removed: true,
	})
}

// Delta は追加・変更・削除されたCookieだけを追加順で返す。
func (s *Store) Delta() []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*http.Cookie, 0, len(s.order))
	for _, name := range s.order {
		c := *s.changes[name].cookie
		out = append(out, &c)
	}
	return out
}

// Write は差分をSet-Cookieヘッダーとしてレスポンスに書き込む。
// WriteHeaderより前に呼び出す必要がある。
func (s *Store) Write(w http.ResponseWriter) {
	for _, c := range s.Delta() {
		http.SetCookie(w, c)
	}
}

func (s *Store) record(name string, e *entry) {
	if _, ok := s.changes[name]; !ok {
		s.order = append(s.order, name)
	}
	s.changes[name] = e
}

func (s *Store) forget(name string) {
	if _, ok := s.changes[name]; !ok {
		return
	}
	delete(s.changes, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// seal は base64url(nonce || ciphertext) 形式で値を暗号化する。
func (s *Store) seal(name, value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(name, value string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("failed to decode cookie %s: %w", name, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("cookie %s is too short", name)
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return "", fmt.Errorf("failed to open cookie %s: %w", name, err)
	}
	return string(plain), nil
}
