// Package companion はコンパニオンアカウントのライフサイクル管理を提供する。
// 「アカウントXのコンパニオン」という概念を冪等に定義し、作成・再利用・
// 属性同期・削除（匿名化）を担う。紐付けとコンパニオンアカウント行の
// 所有者は本パッケージであり、他コンポーネントはここを経由して読み取る。
package companion

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/companiond/internal/model"
	"github.com/hitoshi/companiond/internal/repository"
)

// SessionInvalidator は削除されたアカウントのセッション無効化インターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionInvalidator interface {
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// ManagerConfig はコンパニオン管理の設定。
type ManagerConfig struct {
	NameSuffix    string // コンパニオンの姓に付加するサフィックス
	EmailDomain   string // プレースホルダメールのドメイン
	AnonymousName string // 削除時の匿名化に使う表示名
}

// MetricsRecorder はコンパニオンの作成・削除件数の記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type MetricsRecorder interface {
	RecordCompanionCreated()
	RecordCompanionDeleted()
}

// Manager はコンパニオンアカウントのライフサイクルを管理する。
type Manager struct {
	accounts repository.AccountRepository
	links    repository.LinkRepository
	sessions SessionInvalidator
	metrics  MetricsRecorder
	config   ManagerConfig
}

// NewManager はManagerを生成する。
func NewManager(
	accounts repository.AccountRepository,
	links repository.LinkRepository,
	sessions SessionInvalidator,
	config ManagerConfig,
) *Manager {
	if config.AnonymousName == "" {
		config.AnonymousName = "anonymous"
	}
	return &Manager{
		accounts: accounts,
		links:    links,
		sessions: sessions,
		config:   config,
	}
}

// SetMetrics はメトリクス収集を有効にする。nilのままなら記録しない。
func (m *Manager) SetMetrics(rec MetricsRecorder) {
	m.metrics = rec
}

// GetOrCreate はメインアカウントのコンパニオンを取得または作成する。
// 紐付けと有効なコンパニオンアカウントが揃っていれば表示属性を
// 同期して返す。どちらかが欠けていれば新しいコンパニオンを生成し、
// 紐付けを上書きする。同一メインアカウントに対して何度呼んでも
// 重複を作らないことがこの操作の正しさの核心。
func (m *Manager) GetOrCreate(ctx context.Context, main *model.Account) (*model.Account, error) {
	// 1. 既存の紐付けとコンパニオンを探す
	link, err := m.links.FindByMain(ctx, main.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up link: %w", err)
	}
	if link != nil {
		comp, err := m.accounts.FindCompanion(ctx, link.CompanionAccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up companion account: %w", err)
		}
		if comp != nil {
			if err := m.syncAttributes(ctx, comp, main); err != nil {
				return nil, err
			}
			return comp, nil
		}
		// 紐付けは残っているがコンパニオンが消えている（削除済みか
		// 認証方式が変わっている）。作り直して紐付けを書き換える。
	}

	// 2. 新しいコンパニオンアカウントを生成する。
	// ユーザー名はユーザーが制御できないランダムなトークン、
	// パスワードは外部に公開されない捨て値。
	password, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate companion password: %w", err)
	}
	now := time.Now()
	comp := &model.Account{
		ID:           uuid.New().String(),
		Username:     uuid.New().String(),
		PasswordHash: password,
		AuthMethod:   model.AuthMethodCompanion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	applyAttributes(comp, main, m.config)

	if err := m.accounts.Create(ctx, comp); err != nil {
		return nil, fmt.Errorf("failed to create companion account: %w", err)
	}

	// 3. 紐付けを保存する。紐付けが無かったなら新規挿入、
	// 残っていたなら旧コンパニオンIDを条件にした張り替え。
	// どちらの経路でも負けた側はレース回復に回る。
	if link == nil {
		if _, err := m.links.Insert(ctx, main.ID, comp.ID); err != nil {
			if repository.IsUniqueViolation(err) {
				// 同時作成レース: 別リクエストが先に紐付けを作った。
				// 自分の作ったアカウントは破棄し、勝者のコンパニオンを再利用する。
				return m.recoverFromRace(ctx, main, comp)
			}
			return nil, fmt.Errorf("failed to store link: %w", err)
		}
	} else {
		rebound, err := m.links.Rebind(ctx, main.ID, link.CompanionAccountID, comp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to rebind link: %w", err)
		}
		if !rebound {
			// 別リクエストが先に張り替えた
			return m.recoverFromRace(ctx, main, comp)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordCompanionCreated()
	}
	slog.Info("companion account created",
		slog.String("main_account_id", main.ID),
		slog.String("companion_account_id", comp.ID),
	)

	return comp, nil
}

// recoverFromRace は紐付け保存の一意制約違反から回復する。
// 紐付けを再読込して勝者のコンパニオンを返し、自分の作った
// アカウントは論理削除して捨てる。
func (m *Manager) recoverFromRace(ctx context.Context, main *model.Account, stray *model.Account) (*model.Account, error) {
	if err := m.accounts.SoftDelete(ctx, stray.ID); err != nil {
		slog.Warn("failed to discard stray companion account",
			slog.String("account_id", stray.ID),
			slog.String("error", err.Error()),
		)
	}

	link, err := m.links.FindByMain(ctx, main.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read link after race: %w", err)
	}
	if link == nil {
		return nil, model.NewStaleLinkError()
	}

	comp, err := m.accounts.FindCompanion(ctx, link.CompanionAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up companion after race: %w", err)
	}
	if comp == nil {
		return nil, model.NewStaleLinkError()
	}

	slog.Info("reusing companion created by concurrent request",
		slog.String("main_account_id", main.ID),
		slog.String("companion_account_id", comp.ID),
	)

	if err := m.syncAttributes(ctx, comp, main); err != nil {
		return nil, err
	}
	return comp, nil
}

// syncAttributes はコンパニオンの表示属性をメインアカウントから再計算し
// 永続化する。取得のたびに呼ばれるため、メインアカウントの改名や
// サフィックス/ドメイン設定の変更が既存コンパニオンに反映される。
func (m *Manager) syncAttributes(ctx context.Context, comp, main *model.Account) error {
	applyAttributes(comp, main, m.config)
	if err := m.accounts.Update(ctx, comp); err != nil {
		return fmt.Errorf("failed to sync companion attributes: %w", err)
	}
	return nil
}

// applyAttributes は表示属性の導出規則を適用する。
// 姓 = メインの姓 + サフィックス、メール = ユーザー名@auth-<ドメイン>。
func applyAttributes(comp, main *model.Account, cfg ManagerConfig) {
	comp.FirstName = main.FirstName
	comp.LastName = main.LastName
	if cfg.NameSuffix != "" {
		comp.LastName = main.LastName + " " + cfg.NameSuffix
	}
	comp.Email = comp.Username + "@auth-" + cfg.EmailDomain
}

// OverrideEmail はコンパニオンのメールをメインアカウントの実メールで
// 上書きする。上書きポリシーが許可し、かつユーザーが選択した場合のみ
// 呼び出されること。
func (m *Manager) OverrideEmail(ctx context.Context, comp, main *model.Account) error {
	comp.Email = main.Email
	if err := m.accounts.Update(ctx, comp); err != nil {
		return fmt.Errorf("failed to override companion email: %w", err)
	}
	return nil
}

// Delete はコンパニオンアカウントを削除する。
// treatAsCompanionIDがfalseの場合はidをメインアカウントIDとみなし、
// 紐付け経由で実際のコンパニオンIDに解決する。
// アカウントが残っていれば氏名とメールを匿名化し、認証方式をnologinに
// 変更したうえで論理削除する。紐付け行はアカウントの有無に関わらず
// 必ず削除する（孤児紐付けの掃除を兼ねる）。
func (m *Manager) Delete(ctx context.Context, id string, treatAsCompanionID bool) error {
	companionID := id
	if !treatAsCompanionID {
		link, err := m.links.FindByMain(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to resolve companion id: %w", err)
		}
		if link == nil {
			// コンパニオンが存在しないなら削除するものもない
			return nil
		}
		companionID = link.CompanionAccountID
	}

	account, err := m.accounts.FindByID(ctx, companionID)
	if err != nil {
		return fmt.Errorf("failed to look up account for deletion: %w", err)
	}

	if account != nil {
		// 保護された管理者アカウントは決して削除しない
		if account.SiteAdmin {
			return model.NewPermissionDeniedError("site administrators cannot be deleted")
		}

		anon := m.config.AnonymousName
		account.FirstName = anon
		account.LastName = anon
		account.Email = anon + "." + anon + "@auth-" + m.config.EmailDomain
		// nologinにすることで論理削除された行が二度とコンパニオンとして
		// 復活しないことを保証する
		account.AuthMethod = model.AuthMethodNologin

		if err := m.accounts.Update(ctx, account); err != nil {
			return fmt.Errorf("failed to anonymize companion account: %w", err)
		}
		if err := m.accounts.SoftDelete(ctx, account.ID); err != nil {
			return fmt.Errorf("failed to delete companion account: %w", err)
		}
	}

	// 紐付けはアカウントが既に消えていても削除する
	if err := m.links.DeleteByCompanion(ctx, companionID); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}

	// 削除されたアカウントに紐付くセッションを無効化する
	if m.sessions != nil {
		if err := m.sessions.DeleteByAccountID(ctx, companionID); err != nil {
			return fmt.Errorf("failed to invalidate companion sessions: %w", err)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordCompanionDeleted()
	}
	slog.Info("companion account deleted",
		slog.String("companion_account_id", companionID),
	)

	return nil
}

// GetCompanionID はメインアカウントのコンパニオンIDを返す。
// 紐付けがない場合は空文字列を返す（エラーにしない）。
func (m *Manager) GetCompanionID(ctx context.Context, mainID string) (string, error) {
	link, err := m.links.FindByMain(ctx, mainID)
	if err != nil {
		return "", fmt.Errorf("failed to look up companion id: %w", err)
	}
	if link == nil {
		return "", nil
	}
	return link.CompanionAccountID, nil
}

// GetMainID はコンパニオンアカウントのメインIDを返す。
// 紐付けがない場合は空文字列を返す（エラーにしない）。
func (m *Manager) GetMainID(ctx context.Context, companionID string) (string, error) {
	link, err := m.links.FindByCompanion(ctx, companionID)
	if err != nil {
		return "", fmt.Errorf("failed to look up main id: %w", err)
	}
	if link == nil {
		return "", nil
	}
	return link.MainAccountID, nil
}

// generateSecret は暗号的に安全なランダム値を生成する。
// コンパニオンのパスワードとして使うが、ログインに使われることはない。
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
