package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/companiond/internal/model"
)

// PostgresGroupRepo はホストのグループテーブル群へアクセスするリポジトリ。
type PostgresGroupRepo struct {
	db *sql.DB
}

// NewPostgresGroupRepo はPostgresGroupRepoを生成する。
func NewPostgresGroupRepo(db *sql.DB) *PostgresGroupRepo {
	return &PostgresGroupRepo{db: db}
}

// FindByID は指定IDのグループを取得する。見つからない場合はnilを返す。
func (r *PostgresGroupRepo) FindByID(ctx context.Context, groupID string) (*model.Group, error) {
	g := &model.Group{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, course_id, name FROM groups WHERE id = $1`,
		groupID,
	).Scan(&g.ID, &g.CourseID, &g.Name)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group: %w", err)
	}

	return g, nil
}

// ListByMember はコース内でアカウントが所属するグループ一覧を返す。
func (r *PostgresGroupRepo) ListByMember(ctx context.Context, courseID, accountID string) ([]*model.Group, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT g.id, g.course_id, g.name
		 FROM groups g
		 JOIN group_members m ON m.group_id = g.id
		 WHERE g.course_id = $1 AND m.account_id = $2`,
		courseID, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups by member: %w", err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		g := &model.Group{}
		if err := rows.Scan(&g.ID, &g.CourseID, &g.Name); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}

	return groups, nil
}

// AddMember はグループにメンバーを追加する。既存メンバーなら何もしない。
func (r *PostgresGroupRepo) AddMember(ctx context.Context, groupID, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, account_id, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (group_id, account_id) DO NOTHING`,
		groupID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

// compile-time interface check
var _ GroupRepository = (*PostgresGroupRepo)(nil)
