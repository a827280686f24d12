package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/companiond/internal/model"
)

// PostgresCourseRepo はホストのcoursesテーブルへの読み取り専用リポジトリ。
type PostgresCourseRepo struct {
	db *sql.DB
}

// NewPostgresCourseRepo はPostgresCourseRepoを生成する。
func NewPostgresCourseRepo(db *sql.DB) *PostgresCourseRepo {
	return &PostgresCourseRepo{db: db}
}

// FindByID は指定IDのコースを取得する。見つからない場合はnilを返す。
func (r *PostgresCourseRepo) FindByID(ctx context.Context, id string) (*model.Course, error) {
	c := &model.Course{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, full_name FROM courses WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.FullName)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find course: %w", err)
	}

	return c, nil
}

// compile-time interface check
var _ CourseRepository = (*PostgresCourseRepo)(nil)
