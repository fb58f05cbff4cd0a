package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusProcessed = "processed"
	StatusPlanned   = "planned"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

const (
	PolicyBestEffort = "best-effort"
	PolicyFailFast   = "fail-fast"
)

const (
	MissingBackupTolerate = "tolerate"
	MissingBackupError    = "error"
)

// RunReport 是对外稳定输出（stdout JSON / --report 文件）的结构。
type RunReport struct {
	RunID  string `json:"run_id"`
	Root   string `json:"root"`
	DryRun bool   `json:"dry_run"`
	Policy string `json:"policy"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Matched   int `json:"matched"`
	Processed int `json:"processed"`
	Planned   int `json:"planned"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	// ReindexedBytes 只统计 processed 条目的文件大小。
	ReindexedBytes int64 `json:"reindexed_bytes"`
}

// ItemResult 描述一个 active 文件（或一条遍历问题）的处理结果。
//
// 遍历阶段的问题（例如子目录不可读）也以 ItemResult 形式出现：
// 此时 Active 为出问题的路径，Final/Backup 为空。
type ItemResult struct {
	Active string `json:"active"`
	Final  string `json:"final"`
	Backup string `json:"backup"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	BackupMissing bool  `json:"backup_missing"`
	Size          int64 `json:"size"`
	DurationMS    int64 `json:"duration_ms"`
}

// OK 表示该条目不需要用户关注。
func (it ItemResult) OK() bool {
	return it.Status == StatusProcessed || it.Status == StatusPlanned
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：按 active 路径字典序
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	sort.SliceStable(r.Items, func(i, j int) bool { return r.Items[i].Active < r.Items[j].Active })

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusProcessed:
			s.Processed++
			s.ReindexedBytes += it.Size
		case StatusPlanned:
			s.Planned++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		if it.Final != "" {
			s.Matched++
		}
	}
	r.Summary = s
}

// Failures 返回需要向用户报告的条目（failed + skipped），保持 Items 的顺序。
func (r RunReport) Failures() []ItemResult {
	out := make([]ItemResult, 0, r.Summary.Failed+r.Summary.Skipped)
	for _, it := range r.Items {
		if it.Status == StatusFailed || it.Status == StatusSkipped {
			out = append(out, it)
		}
	}
	return out
}

// Success 表示本次运行没有任何失败或被跳过的条目。
func (r RunReport) Success() bool {
	return r.Summary.Failed == 0 && r.Summary.Skipped == 0
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
// 当前只是透传 encoding/json 的默认行为。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
