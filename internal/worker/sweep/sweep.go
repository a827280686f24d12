// Package sweep は孤児になったコンパニオンアカウントの自動削除ジョブを
// 提供する。メインアカウントが削除された後に残ったコンパニオンと
// 紐付け行を定期バッチで掃除する。
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/companiond/internal/repository"
)

// CompanionDeleter はコンパニオン削除処理のインターフェース。
// 実装はcompanion.Manager。
type CompanionDeleter interface {
	Delete(ctx context.Context, id string, treatAsCompanionID bool) error
}

// SweepRecorder は掃除結果の記録インターフェース。
// metrics.Collectorの部分集合として定義する。
type SweepRecorder interface {
	RecordSweep(orphans, deleted, forced int)
}

// Janitor は孤児紐付けの掃除ジョブ。定期実行のバッチジョブとして
// 設計されており、各行を独立に処理するため途中で中断しても安全。
type Janitor struct {
	links   repository.LinkRepository
	deleter CompanionDeleter
	logger  *slog.Logger
	metrics SweepRecorder
}

// NewJanitor は新しいJanitorを生成する。
func NewJanitor(links repository.LinkRepository, deleter CompanionDeleter, logger *slog.Logger) *Janitor {
	return &Janitor{
		links:   links,
		deleter: deleter,
		logger:  logger,
	}
}

// SetMetrics はメトリクス収集を有効にする。nilのままなら記録しない。
func (j *Janitor) SetMetrics(rec SweepRecorder) {
	j.metrics = rec
}

// Run はメインアカウントが生存していない紐付けをすべて列挙し、
// それぞれのコンパニオンを削除する。個別の削除が失敗した場合は
// 紐付け行だけを強制削除して先へ進む: 1件の壊れたレコードで
// 掃除全体が止まってはならない。
// 冪等: 掃除対象がない場合でもエラーにならない。
func (j *Janitor) Run(ctx context.Context) error {
	start := time.Now()

	orphans, err := j.links.ListOrphaned(ctx)
	if err != nil {
		j.logger.Error("孤児紐付けの列挙に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	var deleted, forced int
	for _, link := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := j.deleter.Delete(ctx, link.CompanionAccountID, true); err != nil {
			j.logger.Error("コンパニオンの削除に失敗しました。紐付けのみ強制削除します",
				slog.String("companion_account_id", link.CompanionAccountID),
				slog.String("main_account_id", link.MainAccountID),
				slog.String("error", err.Error()),
			)
			if err := j.links.DeleteByCompanion(ctx, link.CompanionAccountID); err != nil {
				j.logger.Error("紐付けの強制削除にも失敗しました",
					slog.String("companion_account_id", link.CompanionAccountID),
					slog.String("error", err.Error()),
				)
				continue
			}
			forced++
			continue
		}
		deleted++
	}

	if j.metrics != nil {
		j.metrics.RecordSweep(len(orphans), deleted, forced)
	}

	duration := time.Since(start)
	j.logger.Info("孤児コンパニオンの掃除が完了しました",
		slog.Int("orphan_count", len(orphans)),
		slog.Int("deleted_count", deleted),
		slog.Int("forced_link_removals", forced),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
