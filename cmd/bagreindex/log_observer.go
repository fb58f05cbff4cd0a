package main

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/John-Robertt/bagreindex/internal/app/run"
	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
)

var _ run.Observer = (*logObserver)(nil)

// logObserver 把 run 事件写成 logrus 日志行（stderr）。
//
// 每个 active 文件处理前输出 "Reindex: <path>"；失败输出 error 行（path/code/reason）。
// 工具长时间无输出时，keepalive 定期输出一行，表明进程仍在等待工具。
type logObserver struct {
	logger *log.Logger

	mu          sync.Mutex
	current     string
	currentFrom time.Time
	lastPrinted time.Time

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newLogObserver(logger *log.Logger) *logObserver {
	return &logObserver{
		logger:             logger,
		keepaliveThreshold: 30 * time.Second,
		tickerInterval:     5 * time.Second,
	}
}

func (o *logObserver) OnStart(eff config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fields := log.Fields{
		"root":           eff.Root,
		"tool":           eff.Tool,
		"policy":         eff.Policy,
		"missing_backup": eff.MissingBackup,
		"dry_run":        eff.DryRun,
	}
	if eff.ConfigPath != "" {
		fields["config"] = eff.ConfigPath
	}
	if eff.Timeout > 0 {
		fields["timeout"] = eff.Timeout
	}
	o.logger.WithFields(fields).Debug("开始运行")
	o.lastPrinted = time.Now()
}

func (o *logObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.WithFields(log.Fields(fields)).WithField("dur", dur.Round(time.Millisecond)).Debugf("%s 完成", name)
}

func (o *logObserver) OnTraversalProblem(res domain.ItemResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.WithFields(log.Fields{
		"path": res.Active,
		"code": res.ErrorCode,
	}).Error(res.ErrorMsg)
	o.lastPrinted = time.Now()
}

func (o *logObserver) OnItemStart(idx, total int, f domain.ActiveFile) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info("Reindex: " + f.AbsPath)

	now := time.Now()
	o.current = f.AbsPath
	o.currentFrom = now
	o.lastPrinted = now
	if !o.tickerStarted {
		o.startTickerLocked()
	}
}

func (o *logObserver) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.current = ""
	entry := o.logger.WithFields(log.Fields{"path": res.Active, "progress": progress(idx, total)})

	switch res.Status {
	case domain.StatusFailed:
		entry.WithField("code", res.ErrorCode).Error(res.ErrorMsg)
	case domain.StatusSkipped:
		entry.WithField("code", res.ErrorCode).Warn(res.ErrorMsg)
	case domain.StatusPlanned:
		if res.BackupMissing {
			entry.Debug("dry-run：当前没有 .bag.orig.active 备份")
		}
	default:
		if res.BackupMissing {
			entry.WithField("backup", res.Backup).Warn("工具没有留下备份文件")
		}
		entry.WithFields(log.Fields{
			"final": res.Final,
			"size":  humanize.IBytes(uint64(res.Size)),
			"dur":   dur.Round(time.Millisecond),
		}).Debug("完成")
	}
	o.lastPrinted = time.Now()
}

func (o *logObserver) OnFinish(rr domain.RunReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := rr.Summary
	entry := o.logger.WithFields(log.Fields{
		"run_id":    rr.RunID,
		"matched":   s.Matched,
		"processed": s.Processed,
		"planned":   s.Planned,
		"skipped":   s.Skipped,
		"failed":    s.Failed,
		"reindexed": humanize.IBytes(uint64(s.ReindexedBytes)),
	})
	if rr.Success() {
		entry.Info("运行结束")
	} else {
		entry.Warn("运行结束（有失败或未处理的文件）")
	}
	o.stopTickerLocked()
}

// Close 停止 keepalive（可重复调用）。
func (o *logObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopTickerLocked()
}

func (o *logObserver) startTickerLocked() {
	o.stopCh = make(chan struct{})
	o.tickerStarted = true

	interval := o.tickerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	threshold := o.keepaliveThreshold
	if threshold <= 0 {
		threshold = 30 * time.Second
	}

	stopCh := o.stopCh
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				o.mu.Lock()
				if o.current != "" && time.Since(o.lastPrinted) > threshold {
					o.logger.WithFields(log.Fields{
						"path":    o.current,
						"elapsed": time.Since(o.currentFrom).Round(time.Second),
					}).Info("仍在等待 reindex 工具")
					o.lastPrinted = time.Now()
				}
				o.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func (o *logObserver) stopTickerLocked() {
	if !o.tickerStarted {
		return
	}
	close(o.stopCh)
	o.tickerStarted = false
}

func progress(idx, total int) string {
	return humanize.Comma(int64(idx)) + "/" + humanize.Comma(int64(total))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
