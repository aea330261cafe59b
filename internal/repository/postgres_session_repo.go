package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tvshelf/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_access_at, expires_at, user_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.CreatedAt, session.LastAccessAt, session.ExpiresAt, session.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id uuid.UUID, now time.Time) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_access_at, expires_at, user_id
		 FROM sessions
		 WHERE id = $1 AND expires_at > $2`,
		id, now,
	).Scan(&session.ID, &session.CreatedAt, &session.LastAccessAt, &session.ExpiresAt, &session.UserID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return session, nil
}

// Extend は最終アクセス日時と有効期限を更新する。
// 同一セッションへの並行更新は後勝ちとなる。
func (r *PostgresSessionRepo) Extend(ctx context.Context, id uuid.UUID, lastAccessAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_access_at = $2, expires_at = $3 WHERE id = $1`,
		id, lastAccessAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

// SetUser はセッションのユーザーを設定または解除する。
func (r *PostgresSessionRepo) SetUser(ctx context.Context, id uuid.UUID, userID uuid.NullUUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET user_id = $2 WHERE id = $1`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set session user: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
