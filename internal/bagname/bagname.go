// Package bagname 定义 ROS bag 录制文件的命名约定。
//
//	<prefix>.bag.active       录制中（未 finalize）的文件
//	<prefix>.bag.orig.active  reindex 工具留下的备份
//	<prefix>.bag              finalize 之后的文件
//
// 判断只看文件名，不读内容。
package bagname

import (
	"path/filepath"
	"strings"
)

const (
	ActiveSuffix = ".bag.active"
	BackupSuffix = ".bag.orig.active"
	FinalSuffix  = ".bag"
)

// IsActive 判断 base name 是否为 active 文件。
// 仅有后缀（例如 ".bag.active"）也算匹配，prefix 为空串；这与 shell 的 *.bag.active 一致。
func IsActive(name string) bool {
	return strings.HasSuffix(name, ActiveSuffix)
}

// Prefix 去掉 active 后缀，返回 (prefix, true)；不是 active 文件时返回 ("", false)。
// path 可以是完整路径，也可以只是文件名。
func Prefix(path string) (string, bool) {
	if !IsActive(filepath.Base(path)) {
		return "", false
	}
	return strings.TrimSuffix(path, ActiveSuffix), true
}

func ActivePath(prefix string) string { return prefix + ActiveSuffix }

func FinalPath(prefix string) string { return prefix + FinalSuffix }

func BackupPath(prefix string) string { return prefix + BackupSuffix }
