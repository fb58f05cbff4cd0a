package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/John-Robertt/bagreindex/internal/app/run"
	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
	"github.com/John-Robertt/bagreindex/internal/infra/fsx"
	"github.com/John-Robertt/bagreindex/internal/metrics"
	"github.com/John-Robertt/bagreindex/internal/reindex"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// LogConfig 控制日志输出（写到 stderr）。
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"info" choice:"debug" choice:"warn" description:"日志级别"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"日志格式"`
}

// Options 是 CLI 选项。参与配置分层的选项不写 default，否则无法区分“显式指定”。
type Options struct {
	Config          string        `short:"c" long:"config" env:"BAGREINDEX_CONFIG" description:"配置文件路径（默认 <root>/bagreindex.ini，存在时读取）"`
	Tool            string        `long:"tool" env:"BAGREINDEX_TOOL" description:"外部 reindex 工具（默认 rosbag）"`
	ToolArgs        []string      `long:"tool-arg" description:"工具的前置参数，可重复（默认 reindex）；active 文件路径总是最后一个参数"`
	Timeout         time.Duration `long:"timeout" env:"BAGREINDEX_TIMEOUT" description:"单次工具调用的超时（例如 30m；默认不限制）"`
	FailFast        bool          `long:"fail-fast" description:"遇到第一个失败即停止（默认 best-effort）"`
	MissingBackup   string        `long:"missing-backup" choice:"tolerate" choice:"error" description:"工具未留下 .bag.orig.active 备份时的处理（默认 tolerate）"`
	Exclude         []string      `long:"exclude" description:"排除的目录（相对 root 或绝对路径），可重复"`
	DryRun          bool          `short:"n" long:"dry-run" description:"只列出将要处理的文件，不调用工具、不 rename、不删除"`
	Report          string        `long:"report" description:"把 RunReport JSON 原子写入该文件"`
	MetricsTextfile string        `long:"metrics-textfile" description:"把 Prometheus 指标写入该 textfile（node_exporter）"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] <root>"

	rest, err := parser.ParseArgs(args)
	if err != nil {
		if flags.WroteHelp(err) {
			parser.WriteHelp(stdout)
			return exitOK
		}
		fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
		parser.WriteHelp(stderr)
		return exitUsage
	}
	if len(rest) != 1 {
		fmt.Fprintf(stderr, "参数错误：需要且只需要一个 root 目录，实际 %d 个\n\n", len(rest))
		parser.WriteHelp(stderr)
		return exitUsage
	}

	log.SetOutput(stderr)
	initLog(opts.Log)

	cwd, err := os.Getwd()
	if err != nil {
		log.WithField("err", err).Error("读取当前目录失败")
		return exitFail
	}

	isSet := func(name string) bool {
		o := parser.FindOptionByLongName(name)
		return o != nil && o.IsSet()
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:             rest[0],
		ConfigPath:       opts.Config,
		Tool:             opts.Tool,
		ToolSet:          isSet("tool"),
		ToolArgs:         opts.ToolArgs,
		ToolArgsSet:      isSet("tool-arg"),
		Timeout:          opts.Timeout,
		TimeoutSet:       isSet("timeout"),
		FailFast:         opts.FailFast,
		FailFastSet:      isSet("fail-fast"),
		MissingBackup:    opts.MissingBackup,
		MissingBackupSet: isSet("missing-backup"),
		DryRun:           opts.DryRun,
		DryRunSet:        isSet("dry-run"),
		ExcludeDirs:      opts.Exclude,
		ReportPath:       opts.Report,
		MetricsTextfile:  opts.MetricsTextfile,
	})
	if err != nil {
		log.WithFields(log.Fields{"code": config.Code(err), "err": err}).Error("加载配置失败")
		if config.Code(err) == config.ErrCodeMissingPath {
			return exitUsage
		}
		if err := emitReport(stdout, stderr, reportForConfigError(cwd, rest[0], err)); err != nil {
			log.WithField("err", err).Error("输出 RunReport 失败")
		}
		return exitFail
	}

	// SIGINT/SIGTERM：取消 ctx，正在运行的工具进程组被 kill，剩余文件不再处理。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tool := reindex.ExecTool{Command: eff.Tool, Args: eff.ToolArgs, Timeout: eff.Timeout}
	recorder := metrics.New()
	logObs := newLogObserver(log.StandardLogger())

	rr, runErr := run.Execute(ctx, eff, afero.NewOsFs(), tool, run.Observers{logObs, recorder})
	logObs.Close()
	if runErr != nil {
		log.WithField("err", runErr).Error("运行提前终止")
	}

	code := exitOK
	if !rr.Success() {
		code = exitFail
	}

	if eff.ReportPath != "" {
		if err := writeReportFile(eff.ReportPath, rr); err != nil {
			log.WithFields(log.Fields{"path": eff.ReportPath, "err": err}).Error("写入 report 失败")
			code = exitFail
		}
	}
	if eff.MetricsTextfile != "" {
		if err := recorder.WriteTextfile(eff.MetricsTextfile); err != nil {
			log.WithFields(log.Fields{"path": eff.MetricsTextfile, "err": err}).Error("写入 metrics textfile 失败")
			code = exitFail
		}
	}

	if err := emitReport(stdout, stderr, rr); err != nil {
		log.WithField("err", err).Error("输出 RunReport 失败")
		code = exitFail
	}
	return code
}

func initLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// emitReport 输出最终结果：stdout 是终端时输出人类可读摘要；否则 stdout 必须且仅输出一个 RunReport JSON。
//
// stdout 写入失败（例如管道已关闭）会返回 error，调用方据此以非零退出码结束。
func emitReport(stdout, stderr io.Writer, rr domain.RunReport) error {
	if isTerminal(stdout) {
		writeSummary(stdout, rr)
		if fails := rr.Failures(); len(fails) > 0 {
			return writeFailureTable(stdout, fails)
		}
		return nil
	}

	if err := json.NewEncoder(stdout).Encode(rr); err != nil {
		return errors.WithMessage(err, "写 stdout")
	}
	writeSummary(stderr, rr)
	return nil
}

func writeSummary(w io.Writer, rr domain.RunReport) {
	s := rr.Summary
	mode := ""
	if rr.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(w, "完成%s：matched=%d processed=%d planned=%d skipped=%d failed=%d reindexed=%s elapsed=%s\n",
		mode, s.Matched, s.Processed, s.Planned, s.Skipped, s.Failed,
		humanize.IBytes(uint64(s.ReindexedBytes)),
		rr.FinishedAt.Sub(rr.StartedAt).Round(time.Millisecond),
	)
}

func writeFailureTable(w io.Writer, fails []domain.ItemResult) error {
	var table = tablewriter.NewWriter(w)
	table.Header("Path", "Status", "Code", "Reason")
	for _, it := range fails {
		if err := table.Append([]string{it.Active, it.Status, it.ErrorCode, truncate(it.ErrorMsg, 120)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func reportForConfigError(cwd, path string, err error) domain.RunReport {
	now := time.Now().UTC()
	root := path
	if !filepath.IsAbs(root) {
		root = filepath.Join(cwd, root)
	}
	rr := domain.RunReport{
		RunID:      uuid.NewString(),
		Root:       filepath.Clean(root),
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.ItemResult{{
			Active:    filepath.Clean(root),
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(afero.NewOsFs(), filepath.Dir(path), filepath.Base(path), b)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
