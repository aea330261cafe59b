// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidProvider   = "INVALID_PROVIDER"
	ErrCodeLoginWindowClosed = "LOGIN_WINDOW_CLOSED"
	ErrCodeInvalidUser       = "INVALID_USER"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeEmailInUse        = "EMAIL_IN_USE"
	ErrCodeCSRFInvalid       = "CSRF_INVALID"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewInvalidProviderError は未知のプロバイダー名が指定された場合のエラーを生成する。
func NewInvalidProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProvider,
		Message:  fmt.Sprintf("指定されたログインプロバイダーは存在しません: %s", provider),
		Category: "auth",
		Action:   "ログインページから利用可能なプロバイダーを選択してください。",
	}
}

// NewLoginWindowClosedError はログインフローの状態Cookieが失効している場合のエラーを生成する。
func NewLoginWindowClosedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginWindowClosed,
		Message:  "ログインの有効期限が切れました。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewInvalidUserError は許可リストにない外部アカウントでログインしようとした場合のエラーを生成する。
func NewInvalidUserError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUser,
		Message:  "このアカウントではログインできません。",
		Category: "auth",
		Action:   "許可されたアカウントでログインしてください。",
	}
}

// NewUserNotFoundError は外部アカウントに紐付くユーザーが存在しない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "このアカウントに紐付くユーザーが見つかりません。",
		Category: "auth",
		Action:   "先にユーザー登録を行ってください。",
	}
}

// NewEmailInUseError は登録しようとしたメールアドレスが既に使われている場合のエラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "既存のアカウントでログインしてください。",
	}
}

// NewCSRFInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewBadRequestError はリクエストパラメータが不正な場合のエラーを生成する。
func NewBadRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeBadRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewRateLimitedError はログインフローの開始回数が上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterで示された秒数を待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
