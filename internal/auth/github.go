package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	defaultGitHubUserInfoURL   = "https://api.github.com/user"
	defaultGitHubUserEmailsURL = "https://api.github.com/user/emails"
	defaultGitHubUserAgent     = "tvshelf"

	githubAPIVersion = "2022-11-28"

	// maxGitHubResponseSize はユーザー情報APIのレスポンスとして読み込む最大バイト数。
	maxGitHubResponseSize = 1 << 20
)

// GitHubConfig はGitHubプロバイダーの設定。
type GitHubConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	AuthorizedUsers []string // ログインを許可するGitHubのlogin名

	// テスト用にオーバーライド可能なエンドポイント
	Endpoint      oauth2.Endpoint
	UserInfoURL   string
	UserEmailsURL string

	// HTTPClient はトークン交換とユーザー情報取得に使うクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	UserAgent  string
}

// GitHubProvider はGitHub OAuth（PKCE付き）による認証を提供する。
type GitHubProvider struct {
	oauth         *oauth2.Config
	authorized    []string
	userInfoURL   string
	userEmailsURL string
	client        *http.Client
	userAgent     string
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(config GitHubConfig) *GitHubProvider {
	if config.Endpoint.AuthURL == "" {
		config.Endpoint = github.Endpoint
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGitHubUserInfoURL
	}
	if config.UserEmailsURL == "" {
		config.UserEmailsURL = defaultGitHubUserEmailsURL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultGitHubUserAgent
	}

	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     config.Endpoint,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"user", "user:email"},
		},
		authorized:    slices.Clone(config.AuthorizedUsers),
		userInfoURL:   config.UserInfoURL,
		userEmailsURL: config.UserEmailsURL,
		client:        config.HTTPClient,
		userAgent:     config.UserAgent,
	}
}

// Name はプロバイダー名を返す。
func (p *GitHubProvider) Name() string {
	return "github"
}

// AuthorizeURL はGitHubの認可URLを生成する。
// GitHubはOIDCではないためnonceは使用しない。
func (p *GitHubProvider) AuthorizeURL(state, _, challenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// githubUser はGitHubの /user レスポンス。
type githubUser struct {
	Login     string  `json:"login"`
	Name      *string `json:"name"`
	Email     *string `json:"email"`
	AvatarURL *string `json:"avatar_url"`
}

// githubEmail はGitHubの /user/emails レスポンスの要素。
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Callback は認可コードをPKCE verifier付きで交換し、GitHubのユーザー情報を取得する。
// 許可リストに含まれないユーザーはErrInvalidUserを返す。
func (p *GitHubProvider) Callback(ctx context.Context, code, verifier, _ string) (*ExternalUser, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	client := p.oauth.Client(ctx, token)

	var user githubUser
	if err := p.getJSON(ctx, client, p.userInfoURL, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if user.Login == "" {
		return nil, fmt.Errorf("empty login in user info response")
	}

	if !slices.Contains(p.authorized, user.Login) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUser, user.Login)
	}

	ext := &ExternalUser{
		ID:          user.Login,
		DisplayName: user.Login,
	}
	if user.Name != nil && *user.Name != "" {
		ext.DisplayName = *user.Name
	}
	if user.AvatarURL != nil {
		ext.AvatarURL = *user.AvatarURL
	}
	if user.Email != nil && *user.Email != "" {
		ext.Email = *user.Email
	} else {
		// 公開メールアドレスが未設定の場合はプライマリの検証済みアドレスを使う
		email, err := p.primaryEmail(ctx, client)
		if err != nil {
			return nil, err
		}
		ext.Email = email
	}

	return ext, nil
}

// primaryEmail は /user/emails からプライマリかつ検証済みのアドレスを取得する。
func (p *GitHubProvider) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []githubEmail
	if err := p.getJSON(ctx, client, p.userEmailsURL, &emails); err != nil {
		return "", fmt.Errorf("failed to fetch user emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", fmt.Errorf("no primary verified email address")
}

// getJSON はGitHub APIにGETリクエストを送り、レスポンスをoutにデコードする。
func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Provider = (*GitHubProvider)(nil)
