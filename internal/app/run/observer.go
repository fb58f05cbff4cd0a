package run

import (
	"time"

	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何用户可见输出（避免污染 stdout 的 JSON 契约）。
// - 事件在同一个 goroutine 中按顺序发出；实现若自己起 goroutine（例如 keepalive），需自行加锁。
type Observer interface {
	// OnStart 在 Execute 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束时调用（scan）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnTraversalProblem 在遍历中遇到非致命问题时调用（例如子目录不可读）。
	OnTraversalProblem(res domain.ItemResult)
	// OnItemStart 在处理某个 active 文件之前调用（用于 "Reindex: <path>" 追踪行）。
	OnItemStart(idx, total int, f domain.ActiveFile)
	// OnItemDone 在某个条目结束（含失败/跳过）时调用。
	OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration)
	// OnFinish 在 RunReport Finalize 之后调用。
	OnFinish(rr domain.RunReport)
}

// Observers 把多个 Observer 组合成一个，按顺序转发事件。
type Observers []Observer

var _ Observer = Observers(nil)

func (obs Observers) OnStart(eff config.EffectiveConfig) {
	for _, o := range obs {
		o.OnStart(eff)
	}
}

func (obs Observers) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	for _, o := range obs {
		o.OnPhaseDone(name, fields, dur)
	}
}

func (obs Observers) OnTraversalProblem(res domain.ItemResult) {
	for _, o := range obs {
		o.OnTraversalProblem(res)
	}
}

func (obs Observers) OnItemStart(idx, total int, f domain.ActiveFile) {
	for _, o := range obs {
		o.OnItemStart(idx, total, f)
	}
}

func (obs Observers) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	for _, o := range obs {
		o.OnItemDone(idx, total, res, dur)
	}
}

func (obs Observers) OnFinish(rr domain.RunReport) {
	for _, o := range obs {
		o.OnFinish(rr)
	}
}
