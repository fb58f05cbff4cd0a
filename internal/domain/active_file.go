package domain

// ActiveFile 描述一次扫描得到的 active 录制文件（只做 lstat，不读内容）。
//
// 不变量（实现必须遵守）：
// - AbsPath 必须是 clean + absolute
// - AbsPath 的文件名以 ".bag.active" 结尾，Prefix 为去掉该后缀后的路径
type ActiveFile struct {
	AbsPath string
	RelPath string
	Prefix  string
	Size    int64
	ModUnix int64
}
