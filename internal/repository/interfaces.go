// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/model"
)

var (
	// ErrEmailInUse は登録しようとしたメールアドレスが既に使用されている場合に返される。
	ErrEmailInUse = errors.New("email address is already in use")

	// ErrSerializationFailure はシリアライザブルトランザクションが再試行上限まで競合した場合に返される。
	ErrSerializationFailure = errors.New("serialization failure")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// RegisterUser はユーザーとリンクをシリアライザブルトランザクションで作成する。
	// 同じ外部IDのリンクが既に存在する場合は、そのリンク先ユーザーを返す。
	// 同じメールアドレスのユーザーが存在する場合はErrEmailInUseを返す。
	RegisterUser(ctx context.Context, user *model.User, link *model.UserLink) (*model.User, error)
}

// UserLinkRepository は外部IdP紐付け情報の永続化インターフェース。
type UserLinkRepository interface {
	// FindByServiceUserID はサービス名と外部IDでリンクを検索する。
	// 見つからない場合はnilを返す。
	FindByServiceUserID(ctx context.Context, service, serviceUserID string) (*model.UserLink, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。存在しないか、now時点で期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id uuid.UUID, now time.Time) (*model.Session, error)

	// Extend は最終アクセス日時と有効期限を更新する。
	Extend(ctx context.Context, id uuid.UUID, lastAccessAt, expiresAt time.Time) error

	// SetUser はセッションのユーザーを設定する。無効値を渡すとユーザーの紐付けを解除する。
	SetUser(ctx context.Context, id uuid.UUID, userID uuid.NullUUID) error

	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id uuid.UUID) error

	// DeleteExpired はnow時点で期限切れのセッションを全て削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
