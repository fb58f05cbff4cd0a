package run

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/John-Robertt/bagreindex/internal/app/planner"
	"github.com/John-Robertt/bagreindex/internal/bagname"
	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
	"github.com/John-Robertt/bagreindex/internal/infra/fsx"
	"github.com/John-Robertt/bagreindex/internal/reindex"
	"github.com/John-Robertt/bagreindex/internal/scan"
)

// Execute 执行一次 run，并返回对外稳定的 RunReport（已 Finalize）。
//
// 单个文件内顺序固定：reindex → rename → remove；一个文件完整结束后才处理下一个。
//
// 返回的 error 只表示“整次 run 被提前终止”：
//   - root 不可用：*domain.FilesystemError，此时没有任何副作用
//   - fail-fast 策略下遇到第一个失败
//   - ctx 被取消（SIGINT/SIGTERM）
//
// best-effort 策略下单个文件失败不会返回 error，由 RunReport.Success() 判断。
func Execute(ctx context.Context, eff config.EffectiveConfig, fs afero.Fs, tool reindex.Tool, obs Observer) (domain.RunReport, error) {
	if obs == nil {
		obs = Observers(nil)
	}
	obs.OnStart(eff)

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Root:      eff.Root,
		DryRun:    eff.DryRun,
		Policy:    eff.Policy,
		StartedAt: time.Now().UTC(),
		Items:     make([]domain.ItemResult, 0, 64),
	}
	logger := log.WithField("run_id", rr.RunID)

	finish := func(err error) (domain.RunReport, error) {
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		obs.OnFinish(rr)
		return rr, err
	}

	// root 不可用：直接失败，不做任何遍历。
	if err := scan.CheckRoot(fs, eff.Root); err != nil {
		rr.Items = append(rr.Items, failedItem(domain.ItemResult{Active: eff.Root}, err))
		return finish(err)
	}

	scanStarted := time.Now()
	res, err := scan.ScanActive(fs, eff.Root, scan.Options{
		ExcludeDirs:   eff.ExcludeDirs,
		StopOnProblem: eff.FailFast(),
	})
	for _, p := range res.Problems {
		it := failedItem(domain.ItemResult{Active: p.Path}, p)
		rr.Items = append(rr.Items, it)
		obs.OnTraversalProblem(it)
	}
	if err != nil {
		// 只有 fail-fast 会走到这里：第一个遍历问题即中止，尚未处理任何文件。
		var fe *domain.FilesystemError
		path := eff.Root
		if errors.As(err, &fe) {
			path = fe.Path
		}
		it := failedItem(domain.ItemResult{Active: path}, err)
		rr.Items = append(rr.Items, it)
		obs.OnTraversalProblem(it)
		return finish(errors.WithMessage(err, "fail-fast：遍历中止"))
	}
	files := res.Files

	obs.OnPhaseDone("scan", map[string]any{
		"files":    len(files),
		"problems": len(res.Problems),
	}, time.Since(scanStarted))
	logger.WithFields(log.Fields{"root": eff.Root, "files": len(files)}).Debug("扫描完成")

	var abortErr error
	total := len(files)
	for i, f := range files {
		idx := i + 1

		if abortErr == nil && ctx.Err() != nil {
			abortErr = errors.WithMessage(ctx.Err(), "运行被中断")
		}
		if abortErr != nil {
			it := skippedItem(f, abortCode(ctx))
			rr.Items = append(rr.Items, it)
			obs.OnItemDone(idx, total, it, 0)
			continue
		}

		obs.OnItemStart(idx, total, f)
		started := time.Now()
		it, err := execOne(ctx, eff, fs, tool, f)
		dur := time.Since(started)
		it.DurationMS = dur.Milliseconds()
		rr.Items = append(rr.Items, it)
		obs.OnItemDone(idx, total, it, dur)

		if err == nil {
			continue
		}
		logger.WithFields(log.Fields{"path": f.AbsPath, "code": it.ErrorCode}).Debug("条目失败")

		switch {
		case it.ErrorCode == domain.ErrCodeInterrupted || ctx.Err() != nil:
			abortErr = errors.WithMessage(err, "运行被中断")
		case eff.FailFast():
			abortErr = errors.WithMessage(err, "fail-fast：中止")
		}
	}

	return finish(abortErr)
}

// execOne 处理单个 active 文件。返回的 ItemResult 总是完整的；error 仅用于上层决定是否中止。
func execOne(ctx context.Context, eff config.EffectiveConfig, fs afero.Fs, tool reindex.Tool, f domain.ActiveFile) (domain.ItemResult, error) {
	item := domain.ItemResult{
		Active: f.AbsPath,
		Status: domain.StatusProcessed, // 失败时覆盖
		Size:   f.Size,
	}

	p, err := planner.PlanItem(fs, f)
	item.Final = p.Final
	item.Backup = p.Backup
	if err != nil {
		return failedItem(item, err), err
	}

	// dry-run：只规划，不调用工具、不 rename、不删除。
	if eff.DryRun {
		item.Status = domain.StatusPlanned
		item.BackupMissing = !p.BackupPresent
		return item, nil
	}

	// 工具失败时禁止 rename/remove：文件保持 active，下次运行还会再试。
	if err := tool.Reindex(ctx, p.Active); err != nil {
		return failedItem(item, err), err
	}

	if err := fsx.RenameNoOverwrite(fs, p.Active, p.Final); err != nil {
		code := domain.ErrCodeFS
		switch {
		case fsx.IsCrossDevice(err):
			code = domain.ErrCodeCrossDevice
		case fsx.IsPathTypeConflict(err), errors.Is(err, os.ErrExist):
			code = domain.ErrCodeTargetConflict
		}
		err = &domain.FilesystemError{Op: "rename", Path: p.Active, Code: code, Err: err}
		return failedItem(item, err), err
	}

	existed, err := fsx.RemoveFile(fs, p.Backup)
	if err != nil {
		err = &domain.FilesystemError{Op: "remove", Path: p.Backup, Err: err}
		return failedItem(item, err), err
	}
	if !existed {
		item.BackupMissing = true
		if eff.MissingBackup == domain.MissingBackupError {
			err = &domain.FilesystemError{Op: "remove", Path: p.Backup, Code: domain.ErrCodeBackupMissing, Err: os.ErrNotExist}
			return failedItem(item, err), err
		}
	}
	return item, nil
}

func failedItem(item domain.ItemResult, err error) domain.ItemResult {
	item.Status = domain.StatusFailed
	item.ErrorCode = domain.Code(err)
	if item.ErrorCode == "" {
		item.ErrorCode = domain.ErrCodeFS
	}
	item.ErrorMsg = err.Error()
	return item
}

func skippedItem(f domain.ActiveFile, code string) domain.ItemResult {
	item := domain.ItemResult{
		Active:    f.AbsPath,
		Final:     bagname.FinalPath(f.Prefix),
		Backup:    bagname.BackupPath(f.Prefix),
		Status:    domain.StatusSkipped,
		ErrorCode: code,
		Size:      f.Size,
	}
	if code == domain.ErrCodeInterrupted {
		item.ErrorMsg = "运行被中断，未处理"
	} else {
		item.ErrorMsg = "fail-fast：前序文件失败，未处理"
	}
	return item
}

func abortCode(ctx context.Context) string {
	if ctx.Err() != nil {
		return domain.ErrCodeInterrupted
	}
	return domain.ErrCodeAborted
}
