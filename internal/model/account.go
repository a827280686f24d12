// Package model はドメインモデルを定義する。
package model

import "time"

// 認証方式タグ。コンパニオンアカウントは常にAuthMethodCompanionを持ち、
// 削除済みのコンパニオンはAuthMethodNologinに変更され二度とログインできない。
const (
	AuthMethodCompanion = "companion"
	AuthMethodNologin   = "nologin"
)

// Account はホストのユーザーディレクトリ上のアカウントを表す。
// 行の所有者はホスト側であり、本サービスは特定のフィールドのみ読み書きする。
type Account struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	Email        string
	PasswordHash string
	AuthMethod   string
	SiteAdmin    bool
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsCompanion はコンパニオンアカウントかどうかを返す。
func (a *Account) IsCompanion() bool {
	return a.AuthMethod == AuthMethodCompanion
}

// FullName は表示用のフルネームを返す。
func (a *Account) FullName() string {
	if a.FirstName == "" {
		return a.LastName
	}
	return a.FirstName + " " + a.LastName
}

// AccountLink はメインアカウントとコンパニオンアカウントの1:1の紐付けを表す。
// main_account_id、companion_account_idともに一意制約を持つ。
type AccountLink struct {
	MainAccountID      string
	CompanionAccountID string
	CreatedAt          time.Time
}

// Session はログインセッションを表す。
// コンパニオンモード中のセッションはMainAccountIDに元アカウントへの
// 逆参照を保持する。通常セッションでは空文字列。
type Session struct {
	ID            string
	AccountID     string
	MainAccountID string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// IsCompanionMode はコンパニオンモード中のセッションかどうかを返す。
func (s *Session) IsCompanionMode() bool {
	return s.MainAccountID != ""
}

// Course はホスト側のコースを表す（読み取り専用）。
type Course struct {
	ID       string
	FullName string
}

// Group はコース内のグループを表す（メンバー追加のみ書き込む）。
type Group struct {
	ID       string
	CourseID string
	Name     string
}

// EnrolInstance はコースに設定された受講登録メカニズムを表す。
// コンパニオンの登録にはMethodが"manual"のインスタンスのみ使用する。
type EnrolInstance struct {
	ID       string
	CourseID string
	Method   string
}

// GroupSelector はコンパニオンをどのグループに参加させるかの指定。
type GroupSelector string

const (
	// GroupSelectorNone はグループ操作を行わないことを示す。
	GroupSelectorNone GroupSelector = ""
	// GroupSelectorMyGroups はメインアカウントが所属する全グループへの
	// 参加を示すセンチネル値。
	GroupSelectorMyGroups GroupSelector = "mygroups"
)

// メール上書きポリシーの値。
const (
	EmailNoOverride       = "nooverride"
	EmailForceOverride    = "forceoverride"
	EmailOptionalOverride = "optionaloverride"
)
