package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/tvshelf/internal/model"
)

// maxRegisterAttempts はシリアライゼーション失敗時にRegisterUserを試行する最大回数。
const maxRegisterAttempts = 3

// PostgreSQLのエラーコードと制約名。
const (
	pqUniqueViolation        = pq.ErrorCode("23505")
	pqSerializationFailure   = pq.ErrorCode("40001")
	pqDeadlockDetected       = pq.ErrorCode("40P01")
	constraintUsersEmail     = "uq_users_email"
	constraintUserLinkUnique = "uq_user_links_service_user"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar_url FROM users WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar_url FROM users WHERE email = $1`,
		email,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// RegisterUser はユーザーとリンクをシリアライザブルトランザクションで作成する。
// トランザクション内でリンクとメールアドレスを再確認し、並行登録による重複を防ぐ。
// シリアライゼーション失敗は最大maxRegisterAttempts回まで再試行し、
// それでも競合する場合はErrSerializationFailureを返す。
func (r *PostgresUserRepo) RegisterUser(ctx context.Context, user *model.User, link *model.UserLink) (*model.User, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRegisterAttempts; attempt++ {
		registered, err := r.registerOnce(ctx, user, link)
		if err == nil {
			return registered, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrSerializationFailure, lastErr)
}

func (r *PostgresUserRepo) registerOnce(ctx context.Context, user *model.User, link *model.UserLink) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 既にリンク済みであればそのユーザーを返す
	existing, err := findLink(ctx, tx, link.Service, link.ServiceUserID)
	if err != nil {
		return nil, classify(err)
	}
	if existing != nil {
		linked, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT id, display_name, email, avatar_url FROM users WHERE id = $1`,
			existing.UserID,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to find linked user: %w", err)
		}
		if linked == nil {
			return nil, fmt.Errorf("user link %s/%s points to a missing user", link.Service, link.ServiceUserID)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", classify(err))
		}
		return linked, nil
	}

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`,
		user.Email,
	).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", classify(err))
	}
	if taken {
		return nil, ErrEmailInUse
	}

	created := *user
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (display_name, email, avatar_url)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		user.DisplayName, user.Email, user.AvatarURL,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", classify(err))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_links (service, user_id, service_user_id)
		 VALUES ($1, $2, $3)`,
		link.Service, created.ID, link.ServiceUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user link: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", classify(err))
	}

	return &created, nil
}

// classify はPostgreSQLのエラーをリポジトリのエラーに変換する。
// メールアドレスの一意制約違反はErrEmailInUseとする。
// 並行登録によるリンクの一意制約違反は、再試行すれば既存リンクとして解決できるため
// シリアライゼーション失敗として扱う。
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == pqUniqueViolation && pqErr.Constraint == constraintUsersEmail:
		return ErrEmailInUse
	case pqErr.Code == pqUniqueViolation && pqErr.Constraint == constraintUserLinkUnique:
		return fmt.Errorf("%w: %v", errRetry, err)
	case pqErr.Code == pqSerializationFailure, pqErr.Code == pqDeadlockDetected:
		return fmt.Errorf("%w: %v", errRetry, err)
	}
	return err
}

// errRetry はトランザクションを最初からやり直せるエラーを示す。
var errRetry = errors.New("transaction conflict")

func isRetryable(err error) bool {
	return errors.Is(err, errRetry)
}

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var avatarURL sql.NullString
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &avatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if avatarURL.Valid {
		user.AvatarURL = &avatarURL.String
	}
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
