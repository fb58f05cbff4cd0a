package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	ErrCodeFS             = "fs_error"
	ErrCodeTargetConflict = "target_conflict"
	ErrCodeCrossDevice    = "cross_device"
	ErrCodeBackupMissing  = "backup_missing"
	ErrCodeToolFailed     = "tool_failed"
	ErrCodeToolNotFound   = "tool_not_found"
	ErrCodeToolTimeout    = "tool_timeout"
	ErrCodeInterrupted    = "interrupted"
	ErrCodeAborted        = "aborted"
	ErrCodeConfigInvalid  = "config_invalid"
)

// FilesystemError 覆盖所有文件系统层面的失败：root 不可用、遍历中条目不可读、rename/remove 失败等。
type FilesystemError struct {
	Op   string // stat, walk, rename, remove, ...
	Path string
	// Code 为空时按 ErrCodeFS 处理。
	Code string
	Err  error
}

func (e *FilesystemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s 失败", e.Op, e.Path)
	}
	return fmt.Sprintf("%s %s 失败：%v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// ExternalToolError 表示外部 reindex 工具失败：无法启动、非零退出、超时或被中断。
type ExternalToolError struct {
	Tool     string
	Path     string
	ExitCode int // 未能拿到退出码时为 -1
	// Output 是工具 stdout/stderr 的尾部（可能为空）。
	Output string
	Code   string
	Err    error
}

func (e *ExternalToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reindex 工具 %q 处理 %s 失败", e.Tool, e.Path)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, "（exit=%d）", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "：%v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "；输出：%s", lastLine(out))
	}
	return b.String()
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

func IsFilesystem(err error) bool {
	var e *FilesystemError
	return errors.As(err, &e)
}

func IsExternalTool(err error) bool {
	var e *ExternalToolError
	return errors.As(err, &e)
}

// Code 从 error 中提取 error_code；无法识别的错误返回空串。
func Code(err error) string {
	if err == nil {
		return ""
	}
	var fe *FilesystemError
	if errors.As(err, &fe) {
		if fe.Code != "" {
			return fe.Code
		}
		return ErrCodeFS
	}
	var te *ExternalToolError
	if errors.As(err, &te) {
		if te.Code != "" {
			return te.Code
		}
		return ErrCodeToolFailed
	}
	return ""
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
