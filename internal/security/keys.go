// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyDerivationIterations はPBKDF2の反復回数。
	keyDerivationIterations = 60_000

	// SessionKeySize はCookie暗号化鍵の長さ（XChaCha20-Poly1305）。
	SessionKeySize = 32

	// CSRFKeySize はCSRFトークン署名鍵の長さ（HMAC-SHA256）。
	CSRFKeySize = 64
)

// ドメイン分離ラベル。同じマスターシークレットから独立した鍵を導出する。
var (
	sessionKeyLabel = []byte("session")
	csrfKeyLabel    = []byte("csrf")
)

// Keys はプロセス起動時に1回だけ導出される鍵の組。
// 読み取り専用として全リクエストで共有する。
type Keys struct {
	Session []byte
	CSRF    []byte
}

// DeriveKeys はマスターシークレットからセッションCookie鍵とCSRF鍵を導出する。
// 低速なPBKDF2-HMAC-SHA256を使い、ラベルごとに異なるソルトを与える。
func DeriveKeys(master string) (Keys, error) {
	if master == "" {
		return Keys{}, fmt.Errorf("master secret is empty")
	}

	return Keys{
		Session: pbkdf2.Key([]byte(master), sessionKeyLabel, keyDerivationIterations, SessionKeySize, sha256.New),
		CSRF:    pbkdf2.Key([]byte(master), csrfKeyLabel, keyDerivationIterations, CSRFKeySize, sha256.New),
	}, nil
}
