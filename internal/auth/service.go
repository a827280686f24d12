// Package auth はコンパニオンモードへのセッション切り替えと
// セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/companiond/internal/config"
	"github.com/hitoshi/companiond/internal/model"
	"github.com/hitoshi/companiond/internal/repository"
)

// CompanionProvider はコンパニオンアカウントのライフサイクル操作の
// インターフェース。実装はcompanion.Manager。
type CompanionProvider interface {
	GetOrCreate(ctx context.Context, main *model.Account) (*model.Account, error)
	OverrideEmail(ctx context.Context, comp, main *model.Account) error
	Delete(ctx context.Context, id string, treatAsCompanionID bool) error
	GetMainID(ctx context.Context, companionID string) (string, error)
	GetCompanionID(ctx context.Context, mainID string) (string, error)
}

// Enroller はコース参加処理のインターフェース。実装はenrol.Assigner。
type Enroller interface {
	Assign(ctx context.Context, courseID, companionID, mainID, roleID string, groups model.GroupSelector) error
}

// ServiceConfig は切り替えサービスの設定。
type ServiceConfig struct {
	SessionMaxAge    int // セッション有効期間（秒）
	CompanionEnabled bool
	ForceLogin       bool // 復帰時に自動ログインせず再認証を強制する
	ForceDeleteData  bool // 復帰時のコンパニオン削除をユーザー選択に関わらず強制する
	EmailOverride    string
	EmailDomain      string
	DefaultRoleID    string
	AllowedRoleIDs   []string // コンパニオンモードに入れるロール。空なら受講登録のみで可
}

// Service はコンパニオンモードの出入りに伴うセッション切り替えを提供する。
// 状態は2つ: 本人セッションとコンパニオンセッション。コンパニオン
// セッションはMainAccountIDで本人への後方参照を持つ。
type Service struct {
	companions  CompanionProvider
	enroller    Enroller
	accountRepo repository.AccountRepository
	courseRepo  repository.CourseRepository
	enrolRepo   repository.EnrolmentRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	companions CompanionProvider,
	enroller Enroller,
	accountRepo repository.AccountRepository,
	courseRepo repository.CourseRepository,
	enrolRepo repository.EnrolmentRepository,
	sessionRepo repository.SessionRepository,
	cfg ServiceConfig,
) *Service {
	return &Service{
		companions:  companions,
		enroller:    enroller,
		accountRepo: accountRepo,
		courseRepo:  courseRepo,
		enrolRepo:   enrolRepo,
		sessionRepo: sessionRepo,
		config:      cfg,
	}
}

// IsEnabled は機能ゲートを評価する。コンパニオン認証方式が有効で、
// かつプレースホルダーメールのドメイン設定が構文的に正しい場合のみtrue。
// ドメインが壊れていると不正なメールアドレスを量産するため、
// ここで機能ごと止める。
func (s *Service) IsEnabled() bool {
	return s.config.CompanionEnabled && config.ValidEmailDomain(s.config.EmailDomain)
}

// Enter はコンパニオンモードに入る。コンパニオンを取得・作成し、
// 現在のセッションを破棄してコンパニオンに紐付く新しいセッションを
// 発行し、対象コースに参加させる。
//
// セッション切り替えまでが成功していればコース参加の失敗は
// ロールバックしない。その場合は新セッションとエラーの両方を返す:
// ユーザーはコンパニオンとしてログインしたままになるが、leaveで
// いつでも復帰できる。
func (s *Service) Enter(
	ctx context.Context,
	sess *model.Session,
	courseID, roleID string,
	groups model.GroupSelector,
	emailOverride bool,
) (*model.Session, error) {
	// 1. 機能ゲート
	if !s.IsEnabled() {
		return nil, model.NewPolicyDisabledError()
	}

	// 2. コンパニオンのコンパニオンは作らない
	if sess.IsCompanionMode() {
		return nil, model.NewPermissionDeniedError("already in companion mode")
	}

	main, err := s.accountRepo.FindByID(ctx, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if main == nil || main.Deleted {
		return nil, model.NewAccountNotFoundError(sess.AccountID)
	}
	if main.IsCompanion() {
		return nil, model.NewPermissionDeniedError("companion accounts cannot enter companion mode")
	}

	// 3. 対象コースと権限の確認
	course, err := s.courseRepo.FindByID(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to find course: %w", err)
	}
	if course == nil {
		return nil, model.NewCourseNotFoundError(courseID)
	}
	allowed, err := s.CanEnter(ctx, main, courseID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, model.NewPermissionDeniedError("no permission to use a companion account in this course")
	}

	// 4. コンパニオンの取得・作成
	comp, err := s.companions.GetOrCreate(ctx, main)
	if err != nil {
		return nil, err
	}

	// 5. メール上書きポリシー適用
	if s.overrideWanted(emailOverride) {
		if err := s.companions.OverrideEmail(ctx, comp, main); err != nil {
			return nil, err
		}
	}

	// 6. セッションの切り替え。旧セッションの破棄と新セッションの発行を
	// 単一トランザクションで行い、中途半端な認証状態を残さない。
	newSess, err := s.newSession(comp.ID, main.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to build companion session: %w", err)
	}
	if err := s.sessionRepo.Replace(ctx, sess.ID, newSess); err != nil {
		// 失敗時は強制ログアウト。旧セッションが生き残っていても消す。
		if delErr := s.sessionRepo.DeleteByID(ctx, sess.ID); delErr != nil {
			slog.Error("failed to force logout after switch failure",
				slog.String("session_id", sess.ID),
				slog.String("error", delErr.Error()),
			)
		}
		slog.Error("companion login failed",
			slog.String("main_account_id", main.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewLoginFailedError()
	}

	slog.Info("entered companion mode",
		slog.String("main_account_id", main.ID),
		slog.String("companion_account_id", comp.ID),
		slog.String("course_id", courseID),
	)

	// 7. コース参加。ここから先の失敗はセッションを巻き戻さない。
	if err := s.enroller.Assign(ctx, courseID, comp.ID, main.ID, roleID, groups); err != nil {
		return newSess, err
	}

	return newSess, nil
}

// Leave はコンパニオンモードから復帰する。戻り値のセッションがnilなら
// ログアウト状態で終わったことを意味する（強制再ログインポリシー、
// または紐付けが壊れていた場合）。
func (s *Service) Leave(ctx context.Context, sess *model.Session, deleteData bool) (*model.Session, error) {
	if !sess.IsCompanionMode() {
		return nil, model.NewPermissionDeniedError("not in companion mode")
	}

	companionID := sess.AccountID
	shouldDelete := deleteData || s.config.ForceDeleteData

	// 逆引きで本人アカウントを解決する。セッションの後方参照と
	// 紐付けストアの両方が一致しない場合は壊れた状態とみなし、
	// 立ち往生させずに安全にログアウトする。
	mainID, err := s.companions.GetMainID(ctx, companionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve main account: %w", err)
	}
	main, err := s.lookupLiveAccount(ctx, mainID)
	if err != nil {
		return nil, err
	}
	if main == nil || mainID != sess.MainAccountID {
		slog.Warn("stale companion link, forcing logout",
			slog.String("companion_account_id", companionID),
			slog.String("link_main_id", mainID),
			slog.String("session_main_id", sess.MainAccountID),
		)
		if err := s.sessionRepo.DeleteByID(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("failed to delete session: %w", err)
		}
		return nil, nil
	}

	var restored *model.Session

	if s.config.ForceLogin {
		// 再認証の強制: コンパニオンセッションから本人セッションを
		// 無言で復元してはならない。ログアウトだけ行う。
		if err := s.sessionRepo.DeleteByID(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("failed to delete session: %w", err)
		}
	} else {
		restored, err = s.newSession(main.ID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to build session: %w", err)
		}
		if err := s.sessionRepo.Replace(ctx, sess.ID, restored); err != nil {
			if delErr := s.sessionRepo.DeleteByID(ctx, sess.ID); delErr != nil {
				slog.Error("failed to force logout after restore failure",
					slog.String("session_id", sess.ID),
					slog.String("error", delErr.Error()),
				)
			}
			return nil, model.NewLoginFailedError()
		}
	}

	if shouldDelete {
		if err := s.companions.Delete(ctx, companionID, true); err != nil {
			return restored, err
		}
	}

	slog.Info("left companion mode",
		slog.String("main_account_id", main.ID),
		slog.String("companion_account_id", companionID),
		slog.Bool("deleted", shouldDelete),
		slog.Bool("force_login", s.config.ForceLogin),
	)

	return restored, nil
}

// CanEnter はアカウントが指定コースでコンパニオンモードに入れるかを返す。
// サイト管理者は常に可。それ以外は許可ロール一覧とコース内ロールの
// 交差で判定する。許可ロールが未設定なら何らかのロールを持っていれば可。
func (s *Service) CanEnter(ctx context.Context, account *model.Account, courseID string) (bool, error) {
	if account == nil || account.Deleted || account.IsCompanion() {
		return false, nil
	}
	if account.SiteAdmin {
		return true, nil
	}

	roleIDs, err := s.enrolRepo.ListRoleIDs(ctx, account.ID, courseID)
	if err != nil {
		return false, fmt.Errorf("failed to list roles: %w", err)
	}
	if len(s.config.AllowedRoleIDs) == 0 {
		return len(roleIDs) > 0, nil
	}
	for _, id := range roleIDs {
		if slices.Contains(s.config.AllowedRoleIDs, id) {
			return true, nil
		}
	}
	return false, nil
}

// NavAction はナビゲーション表示用の状態。
type NavAction string

const (
	NavActionNone  NavAction = ""      // 表示しない
	NavActionEnter NavAction = "enter" // 「コンパニオンに切り替え」
	NavActionLeave NavAction = "leave" // 「元のアカウントに戻る」
)

// NavFor は現在のセッションとコースに応じてナビゲーションに出すべき
// アクションを返す。コンパニオンモード中は常にleave。それ以外は
// 機能ゲートと権限を満たす場合のみenter。
func (s *Service) NavFor(ctx context.Context, sess *model.Session, courseID string) (NavAction, error) {
	if sess.IsCompanionMode() {
		return NavActionLeave, nil
	}
	if !s.IsEnabled() {
		return NavActionNone, nil
	}

	account, err := s.accountRepo.FindByID(ctx, sess.AccountID)
	if err != nil {
		return NavActionNone, fmt.Errorf("failed to find account: %w", err)
	}
	allowed, err := s.CanEnter(ctx, account, courseID)
	if err != nil {
		return NavActionNone, err
	}
	if allowed {
		return NavActionEnter, nil
	}
	return NavActionNone, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentAccount はセッションから現在のアカウントを取得する。
func (s *Service) GetCurrentAccount(ctx context.Context, sessionID string) (*model.Account, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	account, err := s.accountRepo.FindByID(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account not found")
	}

	return account, nil
}

// overrideWanted はメール上書きポリシーとユーザー選択から
// 実メール上書きを行うべきかを判定する。
func (s *Service) overrideWanted(choice bool) bool {
	switch s.config.EmailOverride {
	case model.EmailForceOverride:
		return true
	case model.EmailOptionalOverride:
		return choice
	default:
		return false
	}
}

// lookupLiveAccount はIDが空でなく、削除されていないアカウントを返す。
// 該当しなければnil。
func (s *Service) lookupLiveAccount(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, nil
	}
	account, err := s.accountRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || account.Deleted {
		return nil, nil
	}
	return account, nil
}

// newSession はアカウントに紐付くセッションを組み立てる。
// mainIDが空でなければコンパニオンセッションとして後方参照を持つ。
func (s *Service) newSession(accountID, mainID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	return &model.Session{
		ID:            sessionID,
		AccountID:     accountID,
		MainAccountID: mainID,
		ExpiresAt:     time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:     time.Now(),
	}, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
