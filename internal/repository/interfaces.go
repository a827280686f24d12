// Package repository はデータ永続化のインターフェースを定義する。
//
// companion_linksとsessionsは本サービスが所有するテーブル。
// accounts、courses、groups、enrolments等はホスト側スキーマであり、
// ここで定義するインターフェースを通してのみ読み書きする。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/companiond/internal/model"
)

// AccountRepository はホストのユーザーディレクトリへのアクセスインターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	// 論理削除済みの行も返す（呼び出し側でDeletedを判定する）。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindCompanion は認証方式がcompanionかつ未削除のアカウントを
	// IDで検索する。条件を満たさない場合はnilを返す。
	FindCompanion(ctx context.Context, id string) (*model.Account, error)

	// Create は新しいアカウント行を作成する。
	Create(ctx context.Context, account *model.Account) error

	// Update はアカウントの表示属性・メール・認証方式を更新する。
	Update(ctx context.Context, account *model.Account) error

	// SoftDelete は指定IDのアカウントに論理削除フラグを立てる。
	// 既に削除済みの場合もエラーにしない。
	SoftDelete(ctx context.Context, id string) error
}

// LinkRepository はメイン/コンパニオン紐付けの永続化インターフェース。
type LinkRepository interface {
	// FindByMain はメインアカウントIDで紐付けを検索する。見つからない場合はnilを返す。
	FindByMain(ctx context.Context, mainID string) (*model.AccountLink, error)

	// FindByCompanion はコンパニオンアカウントIDで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByCompanion(ctx context.Context, companionID string) (*model.AccountLink, error)

	// Insert は新しい紐付け行を作成する。main_account_id側・
	// companion_account_id側いずれの一意制約違反もIsUniqueViolationで
	// 判定可能なエラーとして返す（呼び出し側が再読込してレースの
	// 勝者のコンパニオンを再利用する）。上書きは行わない。
	Insert(ctx context.Context, mainID, companionID string) (*model.AccountLink, error)

	// Rebind は既存の紐付けのcompanion_account_idを条件付きで
	// 書き換える。現在の値がoldCompanionIDのままの場合のみ更新し、
	// 更新できたかを返す。falseは別リクエストが先に張り替えたことを
	// 意味する。
	Rebind(ctx context.Context, mainID, oldCompanionID, newCompanionID string) (bool, error)

	// DeleteByCompanion はコンパニオンIDで紐付けを削除する。
	// 行が存在しない場合もエラーにしない。
	DeleteByCompanion(ctx context.Context, companionID string) error

	// ListOrphaned はメインアカウントが存在しないか論理削除済みの
	// 紐付けを全て返す。
	ListOrphaned(ctx context.Context) ([]*model.AccountLink, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Replace は旧セッションの削除と新セッションの作成を
	// 同一トランザクションで行う。切替の途中状態を外部に見せない。
	Replace(ctx context.Context, oldID string, session *model.Session) error

	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByAccountID は指定アカウントの全セッションを削除する。
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// CourseRepository はホスト側コースへの読み取りインターフェース。
type CourseRepository interface {
	// FindByID は指定IDのコースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Course, error)
}

// EnrolmentRepository はホストの受講登録サブシステムへのインターフェース。
type EnrolmentRepository interface {
	// FindManualInstance はコースの手動受講登録インスタンスを検索する。
	// 見つからない場合はnilを返す。
	FindManualInstance(ctx context.Context, courseID string) (*model.EnrolInstance, error)

	// Enrol はアカウントをインスタンス経由でコースに登録する。
	// 期間制限は設定しない。既に登録済みの場合は何もしない。
	Enrol(ctx context.Context, instanceID, accountID string) error

	// UnassignRoles はコースコンテキスト内のアカウントの
	// 全ロール割り当てを削除する。
	UnassignRoles(ctx context.Context, accountID, courseID string) error

	// AssignRole はコースコンテキストでロールを割り当てる。
	AssignRole(ctx context.Context, roleID, accountID, courseID string) error

	// ListRoleIDs はコースコンテキスト内でアカウントが持つ
	// ロールIDの一覧を返す。
	ListRoleIDs(ctx context.Context, accountID, courseID string) ([]string, error)
}

// GroupRepository はホストのグループサブシステムへのインターフェース。
type GroupRepository interface {
	// FindByID は指定IDのグループを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, groupID string) (*model.Group, error)

	// ListByMember はコース内でアカウントが所属するグループ一覧を返す。
	ListByMember(ctx context.Context, courseID, accountID string) ([]*model.Group, error)

	// AddMember はグループにメンバーを追加する。既存メンバーなら何もしない。
	AddMember(ctx context.Context, groupID, accountID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
