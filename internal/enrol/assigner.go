// Package enrol はコンパニオンアカウントのコース受講登録・ロール割当・
// グループ参加を提供する。
package enrol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/companiond/internal/model"
	"github.com/hitoshi/companiond/internal/repository"
)

// AssignerConfig はAssignerの設定。
type AssignerConfig struct {
	// DefaultRoleID はロール指定がない場合に割り当てるロールID。
	DefaultRoleID string
}

// Assigner はコンパニオンをコースに参加させる。
// 受講登録は手動登録方式のインスタンス経由でのみ行う。
type Assigner struct {
	enrolments repository.EnrolmentRepository
	groups     repository.GroupRepository
	config     AssignerConfig
}

// NewAssigner はAssignerを生成する。
func NewAssigner(
	enrolments repository.EnrolmentRepository,
	groups repository.GroupRepository,
	config AssignerConfig,
) *Assigner {
	return &Assigner{
		enrolments: enrolments,
		groups:     groups,
		config:     config,
	}
}

// Assign はコンパニオンをコースに受講登録し、ロールを割り当て、
// 指定があればグループに参加させる。
// 受講登録とロール割当は何度実行しても結果が変わらない。
// ロールは置き換え方式: 既存の割当をすべて外してから新しいロールを付ける。
func (a *Assigner) Assign(
	ctx context.Context,
	courseID, companionID, mainID, roleID string,
	groups model.GroupSelector,
) error {
	// 1. 手動登録方式のインスタンスを探す。
	// 無効化されているコースには参加させない。
	instance, err := a.enrolments.FindManualInstance(ctx, courseID)
	if err != nil {
		return fmt.Errorf("failed to look up enrol instance: %w", err)
	}
	if instance == nil {
		return model.NewConfigurationError("course has no active manual enrolment")
	}

	// 2. 受講登録（期間制限なし）
	if err := a.enrolments.Enrol(ctx, instance.ID, companionID); err != nil {
		return fmt.Errorf("failed to enrol companion: %w", err)
	}

	// 3. ロールを置き換える。リクエストにもデフォルト設定にも
	// ロールが無い場合は、空のロール割当を永続化せず設定エラーにする。
	if roleID == "" {
		roleID = a.config.DefaultRoleID
	}
	if roleID == "" {
		return model.NewConfigurationError("no role specified and no default role configured")
	}
	if err := a.enrolments.UnassignRoles(ctx, companionID, courseID); err != nil {
		return fmt.Errorf("failed to clear companion roles: %w", err)
	}
	if err := a.enrolments.AssignRole(ctx, roleID, companionID, courseID); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	// 4. グループ参加
	if err := a.joinGroups(ctx, courseID, companionID, mainID, groups); err != nil {
		return err
	}

	slog.Info("companion enrolled",
		slog.String("course_id", courseID),
		slog.String("companion_account_id", companionID),
		slog.String("role_id", roleID),
	)

	return nil
}

// joinGroups はグループ指定に従ってコンパニオンをグループに参加させる。
// 指定なしなら何もしない。mygroupsはメインアカウントの所属グループ
// すべてに参加する。それ以外は単一グループIDとして解釈し、
// 対象コースのグループでなければ設定エラーとする。
func (a *Assigner) joinGroups(
	ctx context.Context,
	courseID, companionID, mainID string,
	selector model.GroupSelector,
) error {
	switch selector {
	case model.GroupSelectorNone:
		return nil

	case model.GroupSelectorMyGroups:
		memberships, err := a.groups.ListByMember(ctx, courseID, mainID)
		if err != nil {
			return fmt.Errorf("failed to list main account groups: %w", err)
		}
		for _, g := range memberships {
			if err := a.groups.AddMember(ctx, g.ID, companionID); err != nil {
				return fmt.Errorf("failed to add companion to group: %w", err)
			}
		}
		return nil

	default:
		group, err := a.groups.FindByID(ctx, string(selector))
		if err != nil {
			return fmt.Errorf("failed to look up group: %w", err)
		}
		if group == nil || group.CourseID != courseID {
			return model.NewConfigurationError("configured group does not belong to the course")
		}
		if err := a.groups.AddMember(ctx, group.ID, companionID); err != nil {
			return fmt.Errorf("failed to add companion to group: %w", err)
		}
		return nil
	}
}
