// Package reindex 负责调用外部 reindex 工具（默认 `rosbag reindex <file>`）。
//
// 工具对本模块是黑盒：只解释退出码。工具被期望原地重建 <prefix>.bag.active 的索引，
// 并留下备份 <prefix>.bag.orig.active。
package reindex

import (
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/John-Robertt/bagreindex/internal/domain"
)

const (
	// outputTailBytes 是保留的工具输出尾部大小，用于错误信息与 debug 日志。
	outputTailBytes = 4 << 10
	// waitDelay 是进程组被 kill 之后等待 stdout/stderr 管道关闭的上限。
	waitDelay = 5 * time.Second
)

// Tool 对单个 active 文件执行 reindex；同步返回。
// 失败时返回 *domain.ExternalToolError。
type Tool interface {
	Name() string
	Reindex(ctx context.Context, path string) error
}

// ExecTool 以子进程方式调用外部工具：<Command> <Args...> <path>。
type ExecTool struct {
	Command string
	Args    []string
	// Timeout 为单次调用上限；0 表示不限制。
	Timeout time.Duration
}

var _ Tool = ExecTool{}

func (t ExecTool) Name() string { return t.Command }

func (t ExecTool) Reindex(ctx context.Context, path string) error {
	bin, err := exec.LookPath(t.Command)
	if err != nil {
		return &domain.ExternalToolError{
			Tool:     t.Command,
			Path:     path,
			ExitCode: -1,
			Code:     domain.ErrCodeToolNotFound,
			Err:      err,
		}
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(t.Args)+1)
	args = append(args, t.Args...)
	args = append(args, path)

	out := newTailBuffer(outputTailBytes)
	cmd := exec.CommandContext(runCtx, bin, args...)
	// Stdout 与 Stderr 是同一个 writer：exec 只会起一个拷贝 goroutine。
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	killProcessGroupOnCancel(cmd)

	started := time.Now()
	err = cmd.Run()
	dur := time.Since(started)

	entry := log.WithFields(log.Fields{
		"tool": t.Command,
		"args": args,
		"dur":  dur,
	})
	if out.Len() > 0 {
		entry = entry.WithField("output", out.String())
	}

	if err == nil {
		entry.Debug("reindex 工具完成")
		return nil
	}
	entry.WithField("err", err).Debug("reindex 工具失败")

	te := &domain.ExternalToolError{
		Tool:     t.Command,
		Path:     path,
		ExitCode: -1,
		Output:   out.String(),
		Code:     domain.ErrCodeToolFailed,
		Err:      err,
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		te.ExitCode = ee.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		te.Code = domain.ErrCodeInterrupted
		te.Err = errors.WithMessage(ctx.Err(), err.Error())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		te.Code = domain.ErrCodeToolTimeout
		te.Err = errors.Errorf("超过 %s 未完成：%v", t.Timeout, err)
	}
	return te
}
