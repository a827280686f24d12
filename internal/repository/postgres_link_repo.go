package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/companiond/internal/model"
)

// PostgresLinkRepo はPostgreSQLを使用した紐付けリポジトリ。
type PostgresLinkRepo struct {
	db *sql.DB
}

// NewPostgresLinkRepo はPostgresLinkRepoを生成する。
func NewPostgresLinkRepo(db *sql.DB) *PostgresLinkRepo {
	return &PostgresLinkRepo{db: db}
}

// FindByMain はメインアカウントIDで紐付けを検索する。見つからない場合はnilを返す。
func (r *PostgresLinkRepo) FindByMain(ctx context.Context, mainID string) (*model.AccountLink, error) {
	link := &model.AccountLink{}
	err := r.db.QueryRowContext(ctx,
		`SELECT main_account_id, companion_account_id, created_at
		 FROM companion_links WHERE main_account_id = $1`,
		mainID,
	).Scan(&link.MainAccountID, &link.CompanionAccountID, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find link by main account: %w", err)
	}

	return link, nil
}

// FindByCompanion はコンパニオンアカウントIDで紐付けを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresLinkRepo) FindByCompanion(ctx context.Context, companionID string) (*model.AccountLink, error) {
	link := &model.AccountLink{}
	err := r.db.QueryRowContext(ctx,
		`SELECT main_account_id, companion_account_id, created_at
		 FROM companion_links WHERE companion_account_id = $1`,
		companionID,
	).Scan(&link.MainAccountID, &link.CompanionAccountID, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find link by companion account: %w", err)
	}

	return link, nil
}

// Insert は新しい紐付け行を作成する。ON CONFLICT句は付けない:
// 同時作成レースでは2番目の書き込みがmain_account_idの一意制約違反で
// 失敗し、呼び出し側が再読込して勝者のコンパニオンを再利用する。
func (r *PostgresLinkRepo) Insert(ctx context.Context, mainID, companionID string) (*model.AccountLink, error) {
	link := &model.AccountLink{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO companion_links (main_account_id, companion_account_id, created_at)
		 VALUES ($1, $2, now())
		 RETURNING main_account_id, companion_account_id, created_at`,
		mainID, companionID,
	).Scan(&link.MainAccountID, &link.CompanionAccountID, &link.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert link: %w", err)
	}

	return link, nil
}

// Rebind は紐付けのcompanion_account_idを条件付きで書き換える。
// 旧コンパニオンIDが一致した場合のみ更新する楽観的な置き換えで、
// 0行更新は別リクエストが先に張り替えたことを示す。
func (r *PostgresLinkRepo) Rebind(ctx context.Context, mainID, oldCompanionID, newCompanionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE companion_links
		 SET companion_account_id = $3
		 WHERE main_account_id = $1 AND companion_account_id = $2`,
		mainID, oldCompanionID, newCompanionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rebind link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rebind result: %w", err)
	}
	return n > 0, nil
}

// DeleteByCompanion はコンパニオンIDで紐付けを削除する。
// 行が存在しない場合もエラーにしない。
func (r *PostgresLinkRepo) DeleteByCompanion(ctx context.Context, companionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM companion_links WHERE companion_account_id = $1`,
		companionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

// ListOrphaned はメインアカウントが存在しないか論理削除済みの紐付けを返す。
func (r *PostgresLinkRepo) ListOrphaned(ctx context.Context) ([]*model.AccountLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT l.main_account_id, l.companion_account_id, l.created_at
		 FROM companion_links l
		 LEFT JOIN accounts a ON a.id = l.main_account_id
		 WHERE a.id IS NULL OR a.deleted = true`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned links: %w", err)
	}
	defer rows.Close()

	var links []*model.AccountLink
	for rows.Next() {
		link := &model.AccountLink{}
		if err := rows.Scan(&link.MainAccountID, &link.CompanionAccountID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphaned link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphaned links: %w", err)
	}

	return links, nil
}

// IsUniqueViolation はエラーがPostgreSQLの一意制約違反（23505）かを返す。
// 同時作成レースの検出に使用する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// compile-time interface check
var _ LinkRepository = (*PostgresLinkRepo)(nil)
