package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はIdPへの外向き通信で許可されるURLスキーム。
var allowedSchemes = []string{"https"}

// NewProviderClient はIdPのトークンエンドポイントやユーザー情報APIへの通信に使う
// HTTPクライアントを生成する。
// safeurlにより、プライベートIP、ループバック、リンクローカル、
// メタデータIPへのリクエストがDialerレベルでブロックされる。
// IdPのエンドポイントは設定値で上書き可能なため、誤設定による内部ネットワークへの
// 到達を防ぐ目的で使用する。
func NewProviderClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}
