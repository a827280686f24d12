package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/companiond/internal/model"
)

// PostgresEnrolmentRepo はホストの受講登録テーブル群へアクセスするリポジトリ。
// enrol_instances、enrolments、role_assignmentsはホスト側スキーマ。
type PostgresEnrolmentRepo struct {
	db *sql.DB
}

// NewPostgresEnrolmentRepo はPostgresEnrolmentRepoを生成する。
func NewPostgresEnrolmentRepo(db *sql.DB) *PostgresEnrolmentRepo {
	return &PostgresEnrolmentRepo{db: db}
}

// FindManualInstance はコースの手動受講登録インスタンスを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresEnrolmentRepo) FindManualInstance(ctx context.Context, courseID string) (*model.EnrolInstance, error) {
	inst := &model.EnrolInstance{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, course_id, method FROM enrol_instances
		 WHERE course_id = $1 AND method = 'manual' AND enabled = true
		 LIMIT 1`,
		courseID,
	).Scan(&inst.ID, &inst.CourseID, &inst.Method)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find manual enrol instance: %w", err)
	}

	return inst, nil
}

// Enrol はアカウントをインスタンス経由でコースに登録する。
// 期間制限は設定しない。既に登録済みの場合は何もしない。
func (r *PostgresEnrolmentRepo) Enrol(ctx context.Context, instanceID, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO enrolments (instance_id, account_id, time_start, time_end, created_at)
		 VALUES ($1, $2, NULL, NULL, now())
		 ON CONFLICT (instance_id, account_id) DO NOTHING`,
		instanceID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to enrol account: %w", err)
	}
	return nil
}

// UnassignRoles はコースコンテキスト内のアカウントの全ロール割り当てを削除する。
func (r *PostgresEnrolmentRepo) UnassignRoles(ctx context.Context, accountID, courseID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE account_id = $1 AND course_id = $2`,
		accountID, courseID,
	)
	if err != nil {
		return fmt.Errorf("failed to unassign roles: %w", err)
	}
	return nil
}

// AssignRole はコースコンテキストでロールを割り当てる。
func (r *PostgresEnrolmentRepo) AssignRole(ctx context.Context, roleID, accountID, courseID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO role_assignments (role_id, account_id, course_id, created_at)
		 VALUES ($1, $2, $3, now())`,
		roleID, accountID, courseID,
	)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// ListRoleIDs はコースコンテキスト内でアカウントが持つロールIDの一覧を返す。
func (r *PostgresEnrolmentRepo) ListRoleIDs(ctx context.Context, accountID, courseID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role_id FROM role_assignments WHERE account_id = $1 AND course_id = $2`,
		accountID, courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	defer rows.Close()

	var roleIDs []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		roleIDs = append(roleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role assignments: %w", err)
	}

	return roleIDs, nil
}

// compile-time interface check
var _ EnrolmentRepository = (*PostgresEnrolmentRepo)(nil)
