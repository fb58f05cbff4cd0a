package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	"github.com/John-Robertt/bagreindex/internal/domain"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeMissingPath 表示没有给出 root。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// FileName 是 root 下可选配置文件的固定文件名。
	FileName = "bagreindex.ini"

	DefaultTool          = "rosbag"
	DefaultPolicy        = domain.PolicyBestEffort
	DefaultMissingBackup = domain.MissingBackupTolerate
)

// DefaultToolArgs 是工具的固定前置参数；active 文件路径总是追加在最后。
var DefaultToolArgs = []string{"reindex"}

// CLIArgs 是 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --missing-backup=tolerate 必须能覆盖配置中的 error。
type CLIArgs struct {
	Path       string
	ConfigPath string

	Tool    string
	ToolSet bool

	ToolArgs    []string
	ToolArgsSet bool

	Timeout    time.Duration
	TimeoutSet bool

	FailFast    bool
	FailFastSet bool

	MissingBackup    string
	MissingBackupSet bool

	DryRun    bool
	DryRunSet bool

	// ExcludeDirs 与配置文件中的 exclude_dirs 合并（不是覆盖）。
	ExcludeDirs []string

	ReportPath      string
	MetricsTextfile string
}

// FileConfig 对应 bagreindex.ini 的解析结构。
//
//	[reindex]
//	tool = rosbag
//	args = reindex
//	timeout = 30m
//	policy = best-effort
//	missing_backup = tolerate
//	exclude_dirs = .Trash, tmp
//	dry_run = false
//
//	[output]
//	report = /var/log/bagreindex/report.json
//	metrics_textfile = /var/lib/node_exporter/bagreindex.prom
type FileConfig struct {
	Tool          string
	ToolArgs      []string
	ToolArgsSet   bool
	Timeout       time.Duration
	Policy        string
	MissingBackup string
	ExcludeDirs   []string
	DryRun        *bool

	ReportPath      string
	MetricsTextfile string
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// Root 是 clean + absolute 的扫描根目录；存在时已解析 symlink。
	Root string
	// ConfigPath 是实际读取的配置文件；未读取时为空。
	ConfigPath string

	Tool     string
	ToolArgs []string
	Timeout  time.Duration

	Policy        string
	MissingBackup string
	ExcludeDirs   []string
	DryRun        bool

	ReportPath      string
	MetricsTextfile string
}

// FailFast 是 Policy == fail-fast 的便捷判断。
func (e EffectiveConfig) FailFast() bool { return e.Policy == domain.PolicyFailFast }

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：缺少 root 目录参数", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在
// 2) 否则尝试读取 <root>/bagreindex.ini（可选）
//
// 覆盖优先级（固定）：CLI > 配置文件 > 内置默认；exclude_dirs 为两者合并。
//
// root 不存在不是配置错误：那由 run 阶段以 FilesystemError 报告。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}
	if strings.TrimSpace(cli.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath}
	}
	root := resolveRoot(absCleanFrom(cwdAbs, cli.Path))

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else if isSearchableDir(root) {
		// root 不是可用目录时不做自动发现：由 run 阶段以 FilesystemError 报告。
		cfgPath = filepath.Join(root, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}
	if !exists {
		cfgPath = ""
	}

	cli.ReportPath = absCleanFrom(cwdAbs, cli.ReportPath)
	cli.MetricsTextfile = absCleanFrom(cwdAbs, cli.MetricsTextfile)
	return merge(root, cfgPath, cli, fc)
}

func merge(root, cfgPath string, cli CLIArgs, fc FileConfig) (EffectiveConfig, error) {
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// tool：CLI > config > 默认
	tool := DefaultTool
	if cli.ToolSet {
		tool = strings.TrimSpace(cli.Tool)
	} else if strings.TrimSpace(fc.Tool) != "" {
		tool = strings.TrimSpace(fc.Tool)
	}
	if tool == "" {
		return invalid(errors.New("tool 不能为空"))
	}

	toolArgs := DefaultToolArgs
	if cli.ToolArgsSet {
		toolArgs = cli.ToolArgs
	} else if fc.ToolArgsSet {
		toolArgs = fc.ToolArgs
	}

	timeout := fc.Timeout
	if cli.TimeoutSet {
		timeout = cli.Timeout
	}
	if timeout < 0 {
		return invalid(errors.Errorf("timeout 不能为负数：%s", timeout))
	}

	policy := DefaultPolicy
	if strings.TrimSpace(fc.Policy) != "" {
		policy = strings.TrimSpace(fc.Policy)
	}
	if cli.FailFastSet {
		if cli.FailFast {
			policy = domain.PolicyFailFast
		} else {
			policy = domain.PolicyBestEffort
		}
	}
	if err := validatePolicy(policy); err != nil {
		return invalid(err)
	}

	missing := DefaultMissingBackup
	if cli.MissingBackupSet {
		missing = cli.MissingBackup
	} else if strings.TrimSpace(fc.MissingBackup) != "" {
		missing = strings.TrimSpace(fc.MissingBackup)
	}
	if err := validateMissingBackup(missing); err != nil {
		return invalid(err)
	}

	dryRun := false
	if cli.DryRunSet {
		dryRun = cli.DryRun
	} else if fc.DryRun != nil {
		dryRun = *fc.DryRun
	}

	// 配置文件中的输出路径相对配置文件所在目录；CLI 给出的已在上层相对 cwd 解析。
	cfgDir := filepath.Dir(cfgPath)
	reportPath := cli.ReportPath
	if reportPath == "" && fc.ReportPath != "" {
		reportPath = absCleanFrom(cfgDir, fc.ReportPath)
	}
	metricsPath := cli.MetricsTextfile
	if metricsPath == "" && fc.MetricsTextfile != "" {
		metricsPath = absCleanFrom(cfgDir, fc.MetricsTextfile)
	}

	// 绝对路径的排除目录与 root 一样解析 symlink。
	exclude := make([]string, 0, len(fc.ExcludeDirs)+len(cli.ExcludeDirs))
	for _, x := range append(append([]string(nil), fc.ExcludeDirs...), cli.ExcludeDirs...) {
		if filepath.IsAbs(strings.TrimSpace(x)) {
			x = resolveRoot(filepath.Clean(strings.TrimSpace(x)))
		}
		exclude = append(exclude, x)
	}

	return EffectiveConfig{
		Root:            root,
		ConfigPath:      cfgPath,
		Tool:            tool,
		ToolArgs:        append([]string(nil), toolArgs...),
		Timeout:         timeout,
		Policy:          policy,
		MissingBackup:   missing,
		ExcludeDirs:     exclude,
		DryRun:          dryRun,
		ReportPath:      reportPath,
		MetricsTextfile: metricsPath,
	}, nil
}

func validatePolicy(p string) error {
	switch p {
	case domain.PolicyBestEffort, domain.PolicyFailFast:
		return nil
	default:
		return errors.Errorf("policy 只能是 %s 或 %s，实际是 %q", domain.PolicyBestEffort, domain.PolicyFailFast, p)
	}
}

func validateMissingBackup(m string) error {
	switch m {
	case domain.MissingBackupTolerate, domain.MissingBackupError:
		return nil
	default:
		return errors.Errorf("missing_backup 只能是 %s 或 %s，实际是 %q", domain.MissingBackupTolerate, domain.MissingBackupError, m)
	}
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// resolveRoot 解析 root 上的 symlink（遍历本身不跟随 symlink）；
// root 不存在时原样返回，留给 run 阶段报告。
func resolveRoot(root string) string {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		return resolved
	}
	return root
}

// isSearchableDir 判断 root 是目录且能在其中查找条目（ENOTDIR、EACCES 等一律视为否）。
func isSearchableDir(root string) bool {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(root, FileName))
	return err == nil || os.IsNotExist(err)
}

// readFileConfig 读取并解析 INI 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}

	f, err := ini.Load(path)
	if err != nil {
		return FileConfig{}, true, err
	}

	sec := f.Section("reindex")
	fc.Tool = sec.Key("tool").String()
	if sec.HasKey("args") {
		fc.ToolArgs = nonEmpty(sec.Key("args").Strings(","))
		fc.ToolArgsSet = true
	}
	if sec.HasKey("timeout") && strings.TrimSpace(sec.Key("timeout").String()) != "" {
		d, err := sec.Key("timeout").Duration()
		if err != nil {
			return FileConfig{}, true, errors.WithMessage(err, "[reindex] timeout")
		}
		fc.Timeout = d
	}
	fc.Policy = sec.Key("policy").String()
	fc.MissingBackup = sec.Key("missing_backup").String()
	if sec.HasKey("exclude_dirs") {
		fc.ExcludeDirs = nonEmpty(sec.Key("exclude_dirs").Strings(","))
	}
	if sec.HasKey("dry_run") {
		b, err := sec.Key("dry_run").Bool()
		if err != nil {
			return FileConfig{}, true, errors.WithMessage(err, "[reindex] dry_run")
		}
		fc.DryRun = &b
	}

	out := f.Section("output")
	fc.ReportPath = strings.TrimSpace(out.Key("report").String())
	fc.MetricsTextfile = strings.TrimSpace(out.Key("metrics_textfile").String())

	return fc, true, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
