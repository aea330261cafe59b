package security

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameLength は表示名として保存する最大文字数。
const maxDisplayNameLength = 100

// ProfileSanitizer は外部IdPから受け取ったプロフィール情報を保存前に無害化する。
// 表示名はナビゲーションバー等にそのまま描画されるため、HTMLを全て除去する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// bluemondayのStrictPolicyを使用し、全てのタグと属性を除去する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// DisplayName は表示名からHTMLを除去し、前後の空白を取り除いて長さを制限する。
// 結果が空になった場合はfallbackを返す。
func (s *ProfileSanitizer) DisplayName(name, fallback string) string {
	clean := strings.TrimSpace(s.policy.Sanitize(name))
	if clean == "" {
		clean = strings.TrimSpace(s.policy.Sanitize(fallback))
	}
	if utf8.RuneCountInString(clean) > maxDisplayNameLength {
		clean = string([]rune(clean)[:maxDisplayNameLength])
	}
	return clean
}

// AvatarURL はアバター画像URLを検証する。httpsの絶対URLのみ許可し、それ以外はnilを返す。
func (s *ProfileSanitizer) AvatarURL(raw string) *string {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil
	}
	v := u.String()
	return &v
}
