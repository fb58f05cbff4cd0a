package scan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/John-Robertt/bagreindex/internal/bagname"
	"github.com/John-Robertt/bagreindex/internal/domain"
)

// Result 是一次扫描的结果。
//
// Problems 收集遍历中遇到的非致命问题（例如某个子目录不可读）；
// root 本身不可用时 ScanActive 直接返回错误，不会出现在 Problems 中。
type Result struct {
	Files    []domain.ActiveFile
	Problems []*domain.FilesystemError
}

// Options 控制扫描行为。
type Options struct {
	// ExcludeDirs 均视为相对 root 的路径（若是绝对路径，则按绝对路径处理）。
	ExcludeDirs []string
	// StopOnProblem 为 true 时，遇到第一个遍历问题即停止并返回该问题（fail-fast）。
	StopOnProblem bool
}

// ScanActive 递归扫描 root 下的 active 录制文件（*.bag.active）。
//
// 规则（硬约束）：
// - 只认常规文件；symlink、设备、socket 等一律跳过，symlink 指向的目录也不进入
// - 目录最多访问一次（遍历使用 lstat，不跟随 symlink，因此不存在环）
// - 扫描阶段只做 lstat，不读文件内容
func ScanActive(fs afero.Fs, root string, opt Options) (Result, error) {
	root = filepath.Clean(root)
	if err := CheckRoot(fs, root); err != nil {
		return Result{}, err
	}
	excluded := buildExcluded(root, opt.ExcludeDirs)

	res := Result{Files: make([]domain.ActiveFile, 0, 64)}
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			p := &domain.FilesystemError{Op: "walk", Path: path, Err: walkErr}
			if opt.StopOnProblem {
				return p
			}
			log.WithFields(log.Fields{"path": path, "err": walkErr}).Debug("遍历问题，跳过该条目")
			res.Problems = append(res.Problems, p)
			if info != nil && info.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		if isExcluded(path, excluded) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		prefix, ok := bagname.Prefix(path)
		if !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		res.Files = append(res.Files, domain.ActiveFile{
			AbsPath: path,
			RelPath: rel,
			Prefix:  prefix,
			Size:    info.Size(),
			ModUnix: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return res, err
	}

	// 强制稳定输出，避免不同平台/文件系统的枚举顺序带来的不确定性。
	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].RelPath < res.Files[j].RelPath })
	return res, nil
}

// CheckRoot 确认 root 存在、是目录且可读；否则返回 *domain.FilesystemError。
//
// 注意：遍历不跟随 symlink，若 root 本身是 symlink，调用方需要先解析
// （config.LoadEffective 会对 CLI 传入的 path 做 EvalSymlinks）。
func CheckRoot(fs afero.Fs, root string) error {
	fi, err := fs.Stat(root)
	if err != nil {
		return &domain.FilesystemError{Op: "stat", Path: root, Err: err}
	}
	if !fi.IsDir() {
		return &domain.FilesystemError{Op: "stat", Path: root, Err: errNotDir}
	}
	f, err := fs.Open(root)
	if err != nil {
		return &domain.FilesystemError{Op: "open", Path: root, Err: err}
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !isEOF(err) {
		return &domain.FilesystemError{Op: "readdir", Path: root, Err: err}
	}
	return nil
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, len(excludeDirs))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		// x 是相对路径：相对 root。
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	// 排除列表排序后，isExcluded 的行为更可预测（且便于测试）。
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
