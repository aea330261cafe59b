package security

import (
	"net/url"
	"strings"
)

// SafeReturnTo はログイン後のリダイレクト先を同一オリジンのパスに制限する。
// 絶対URL、スキーム相対URL（//evil.example）、バックスラッシュを含む値は
// オープンリダイレクトの原因となるため "/" に置き換える。
func SafeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "/"
	}
	if strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "/"
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
