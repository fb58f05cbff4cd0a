package planner

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/John-Robertt/bagreindex/internal/bagname"
	"github.com/John-Robertt/bagreindex/internal/domain"
	"github.com/John-Robertt/bagreindex/internal/infra/fsx"
)

// PlanItem 基于 ActiveFile 与磁盘现状生成确定性的执行计划（不做任何写入/移动）。
//
// <prefix>.bag 已存在时返回 target_conflict：rename 会静默覆盖一份已 finalize 的录制，
// 必须在调用 reindex 工具之前拦下。
func PlanItem(fs afero.Fs, f domain.ActiveFile) (domain.ItemPlan, error) {
	prefix := f.Prefix
	if prefix == "" {
		p, ok := bagname.Prefix(f.AbsPath)
		if !ok {
			return domain.ItemPlan{}, errors.Errorf("不是 active 文件：%q", f.AbsPath)
		}
		prefix = p
	}

	p := domain.ItemPlan{
		File:   f,
		Active: bagname.ActivePath(prefix),
		Final:  bagname.FinalPath(prefix),
		Backup: bagname.BackupPath(prefix),
	}

	if err := fsx.CheckAbsent(fs, p.Final); err != nil {
		if fsx.IsPathTypeConflict(err) || errors.Is(err, os.ErrExist) {
			return p, &domain.FilesystemError{Op: "plan", Path: p.Final, Code: domain.ErrCodeTargetConflict, Err: err}
		}
		return p, &domain.FilesystemError{Op: "stat", Path: p.Final, Err: err}
	}

	if _, err := fs.Stat(p.Backup); err == nil {
		p.BackupPresent = true
	}
	return p, nil
}
