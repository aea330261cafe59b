// Package model はドメインモデルを定義する。
package model

import (
	"time"

	"github.com/google/uuid"
)

// User はローカルユーザーを表す。登録時にのみ作成される。
type User struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
	AvatarURL   *string
}

// UserLink は外部IdPのアカウントとローカルユーザーの紐付けを表す。
// (Service, UserID) が主キー、(Service, ServiceUserID) が一意制約。
type UserLink struct {
	Service       string
	UserID        uuid.UUID
	ServiceUserID string
}

// Session はブラウザセッションを表す。匿名セッションではUserIDが無効値となる。
type Session struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
	UserID       uuid.NullUUID
}

// HasUser はセッションにユーザーが紐付いているかを返す。
func (s *Session) HasUser() bool {
	return s.UserID.Valid
}
