// Package metrics 收集一次 run 的计数，并以 node_exporter textfile 格式导出。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
)

// Recorder 实现 run.Observer。使用独立的 Registry，避免与进程默认 registry 混用。
type Recorder struct {
	reg *prometheus.Registry

	filesTotal      *prometheus.CounterVec
	itemDuration    prometheus.Histogram
	reindexedBytes  prometheus.Counter
	lastRunSeconds  prometheus.Gauge
	lastRunSuccess  prometheus.Gauge
	traversalErrors prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bagreindex_files_total",
			Help: "Active bag files handled, by result.",
		}, []string{"result"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bagreindex_item_duration_seconds",
			Help:    "Wall time spent on one active file (reindex, rename and cleanup).",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		reindexedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bagreindex_reindexed_bytes_total",
			Help: "Size of active bag files that were successfully finalized.",
		}),
		lastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bagreindex_last_run_timestamp_seconds",
			Help: "Unix time at which the last run finished.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bagreindex_last_run_success",
			Help: "1 if the last run had no failed or skipped files, else 0.",
		}),
		traversalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bagreindex_traversal_errors_total",
			Help: "Directory entries that could not be read during traversal.",
		}),
	}
	r.reg.MustRegister(
		r.filesTotal,
		r.itemDuration,
		r.reindexedBytes,
		r.lastRunSeconds,
		r.lastRunSuccess,
		r.traversalErrors,
	)
	return r
}

// Gatherer 暴露内部 registry，便于测试或嵌入到其它导出方式。
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.reg }

// WriteTextfile 以 textfile collector 格式写出（prometheus 内部是临时文件 + rename）。
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

func (r *Recorder) OnStart(eff config.EffectiveConfig) {
	// 预先创建各 result 的序列，保证 0 值也会被导出。
	for _, s := range []string{domain.StatusProcessed, domain.StatusPlanned, domain.StatusSkipped, domain.StatusFailed} {
		r.filesTotal.WithLabelValues(s)
	}
}

func (r *Recorder) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {}

func (r *Recorder) OnTraversalProblem(res domain.ItemResult) {
	r.traversalErrors.Inc()
}

func (r *Recorder) OnItemStart(idx, total int, f domain.ActiveFile) {}

func (r *Recorder) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	r.filesTotal.WithLabelValues(res.Status).Inc()
	if res.Status == domain.StatusProcessed {
		r.reindexedBytes.Add(float64(res.Size))
	}
	if res.Status != domain.StatusSkipped {
		r.itemDuration.Observe(dur.Seconds())
	}
}

func (r *Recorder) OnFinish(rr domain.RunReport) {
	r.lastRunSeconds.Set(float64(rr.FinishedAt.Unix()))
	if rr.Success() {
		r.lastRunSuccess.Set(1)
	} else {
		r.lastRunSuccess.Set(0)
	}
}
