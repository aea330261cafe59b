package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tvshelf/internal/model"
)

// PostgresUserLinkRepo はPostgreSQLを使用したユーザーリンクリポジトリ。
type PostgresUserLinkRepo struct {
	db *sql.DB
}

// NewPostgresUserLinkRepo はPostgresUserLinkRepoを生成する。
func NewPostgresUserLinkRepo(db *sql.DB) *PostgresUserLinkRepo {
	return &PostgresUserLinkRepo{db: db}
}

// FindByServiceUserID はサービス名と外部IDでリンクを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresUserLinkRepo) FindByServiceUserID(ctx context.Context, service, serviceUserID string) (*model.UserLink, error) {
	return findLink(ctx, r.db, service, serviceUserID)
}

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findLink(ctx context.Context, q queryer, service, serviceUserID string) (*model.UserLink, error) {
	link := &model.UserLink{}
	err := q.QueryRowContext(ctx,
		`SELECT service, user_id, service_user_id
		 FROM user_links
		 WHERE service = $1 AND service_user_id = $2`,
		service, serviceUserID,
	).Scan(&link.Service, &link.UserID, &link.ServiceUserID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user link: %w", err)
	}

	return link, nil
}

// compile-time interface check
var _ UserLinkRepository = (*PostgresUserLinkRepo)(nil)
