// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: policy, auth, config, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodePolicyDisabled     = "POLICY_DISABLED"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeConfigurationError = "CONFIGURATION_ERROR"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeStaleLink          = "STALE_LINK"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeCourseNotFound     = "COURSE_NOT_FOUND"
)

// AsAPIError はエラーチェーンから*APIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasErrorCode はエラーチェーンに指定コードの*APIErrorが含まれるかを返す。
func HasErrorCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// NewPolicyDisabledError は機能ゲートが無効な場合のエラーを生成する。
// 認証方式の無効化、またはメールドメイン設定の不備で発生する。
func NewPolicyDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodePolicyDisabled,
		Message:  "コンパニオンアカウント機能は無効になっています。",
		Category: "policy",
		Action:   "サイト管理者に機能の有効化とメールドメイン設定を確認してください。",
	}
}

// NewPermissionDeniedError は権限不足のエラーを生成する。
func NewPermissionDeniedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", reason),
		Category: "auth",
		Action:   "必要な権限を持つアカウントで操作してください。",
	}
}

// NewConfigurationError は運用設定の不備によるエラーを生成する。
// 手動受講登録インスタンスの欠如、未解決のロール/グループ指定などで発生する。
func NewConfigurationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeConfigurationError,
		Message:  fmt.Sprintf("設定が不足しています: %s", reason),
		Category: "config",
		Action:   "コースの受講登録設定とロール/グループ指定を確認してください。",
	}
}

// NewLoginFailedError はコンパニオンへのログイン切替失敗エラーを生成する。
// 発生時にはセッションは強制的にログアウト済みである。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "コンパニオンアカウントへのログインに失敗しました。",
		Category: "auth",
		Action:   "ログインし直してから再度お試しください。",
	}
}

// NewStaleLinkError は紐付けが欠損または無効なアカウントを指している場合の
// エラーを生成する。呼び出し側はこれを「コンパニオンなし」または
// 「強制ログアウト」として局所的に回復する。
func NewStaleLinkError() *APIError {
	return &APIError{
		Code:     ErrCodeStaleLink,
		Message:  "アカウントの紐付けが無効です。",
		Category: "system",
		Action:   "ログインし直してください。",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("アカウントが見つかりません: %s", id),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCourseNotFoundError はコースが見つからない場合のエラーを生成する。
func NewCourseNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeCourseNotFound,
		Message:  fmt.Sprintf("指定されたコースが見つかりません: %s", id),
		Category: "config",
		Action:   "コースIDを確認してください。",
	}
}
