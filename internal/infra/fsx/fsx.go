package fsx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var renameFunc = func(fs afero.Fs, oldpath, newpath string) error {
	return fs.Rename(oldpath, newpath)
}

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
// 上层可把它映射为 error_code=target_conflict。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// active 文件与 finalize 后的文件总在同一目录，出现 EXDEV 通常意味着挂载点异常；不做 copy+delete。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘移动失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 fs.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(fs afero.Fs, src, dst string) error {
	if err := renameFunc(fs, src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// RenameNoOverwrite 与 Rename 相同，但目标已存在时拒绝覆盖：
// - 目标是目录/非常规文件：返回 PathTypeConflictError
// - 目标是常规文件：返回 os.ErrExist
//
// 注意：检查与 rename 之间不是原子的；本工具不支持遍历期间的并发修改。
func RenameNoOverwrite(fs afero.Fs, src, dst string) error {
	if err := CheckAbsent(fs, dst); err != nil {
		return err
	}
	return Rename(fs, src, dst)
}

// CheckAbsent 确认 path 不存在（lstat 语义，不跟随 symlink）。
func CheckAbsent(fs afero.Fs, path string) error {
	fi, err := lstat(fs, path)
	if err == nil {
		if fi.IsDir() {
			return &PathTypeConflictError{Path: path, Want: "absent", Got: "dir"}
		}
		if !fi.Mode().IsRegular() {
			return &PathTypeConflictError{Path: path, Want: "absent", Got: fi.Mode().Type().String()}
		}
		return errors.WithMessagef(os.ErrExist, "%q", path)
	}
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveFile 删除常规文件 path。
// existed=false 且 err=nil 表示文件本来就不存在；是否把这种情况当作错误由调用方决定。
func RemoveFile(fs afero.Fs, path string) (existed bool, err error) {
	fi, err := lstat(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if fi.IsDir() {
		return true, &PathTypeConflictError{Path: path, Want: "file", Got: "dir"}
	}
	if err := fs.Remove(path); err != nil {
		return true, err
	}
	return true, nil
}

// WriteFileAtomicReplace 在 dir 下原子写入 name（临时文件 + rename），目标已存在则覆盖。
//
// - 临时文件必须与目标文件在同目录，以保证 rename 的原子性
// - fsync：对临时文件做 Sync；目录 Sync 采用 best-effort（避免平台差异导致误报失败）
func WriteFileAtomicReplace(fs afero.Fs, dir, name string, data []byte) error {
	dir = filepath.Clean(dir)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dst := filepath.Join(dir, name)

	// 创建同目录临时文件（前缀带 '.'，避免被误当成产物）。
	tmp, err := afero.TempFile(fs, dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
	}()

	if err := writeAll(tmp, data); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := Rename(fs, tmpName, dst); err != nil {
		return err
	}

	_ = syncDirBestEffort(fs, dir)
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(fs afero.Fs, dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := fs.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}
