package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/companiond/internal/model"
)

// PostgresAccountRepo はホストのaccountsテーブルへアクセスするリポジトリ。
// テーブル自体はホストの所有物であり、本サービスはコンパニオン管理に
// 必要なカラムのみを読み書きする。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, username, first_name, last_name, email, password_hash, auth_method, site_admin, deleted, created_at, updated_at`

func scanAccount(row *sql.Row) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(
		&a.ID, &a.Username, &a.FirstName, &a.LastName, &a.Email,
		&a.PasswordHash, &a.AuthMethod, &a.SiteAdmin, &a.Deleted,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
// 論理削除済みの行も返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	return scanAccount(row)
}

// FindCompanion は認証方式がcompanionかつ未削除のアカウントをIDで検索する。
// 条件を満たさない場合はnilを返す。
func (r *PostgresAccountRepo) FindCompanion(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE id = $1 AND auth_method = $2 AND deleted = false`,
		id, model.AuthMethodCompanion,
	)
	return scanAccount(row)
}

// Create は新しいアカウント行を作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, first_name, last_name, email, password_hash, auth_method, site_admin, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.ID, account.Username, account.FirstName, account.LastName,
		account.Email, account.PasswordHash, account.AuthMethod,
		account.SiteAdmin, account.Deleted, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// Update はアカウントの表示属性・メール・認証方式を更新する。
func (r *PostgresAccountRepo) Update(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET first_name = $2, last_name = $3, email = $4, password_hash = $5,
		     auth_method = $6, updated_at = now()
		 WHERE id = $1`,
		account.ID, account.FirstName, account.LastName, account.Email,
		account.PasswordHash, account.AuthMethod,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// SoftDelete は指定IDのアカウントに論理削除フラグを立てる。
// 既に削除済みの場合もエラーにしない。
func (r *PostgresAccountRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET deleted = true, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete account: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
