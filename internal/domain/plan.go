package domain

// ItemPlan 是对某个 active 文件的最小执行计划（只描述路径；执行顺序固定为 reindex → rename → remove）。
type ItemPlan struct {
	File ActiveFile

	Active string // <prefix>.bag.active
	Final  string // <prefix>.bag
	Backup string // <prefix>.bag.orig.active

	// BackupPresent 是规划时 backup 是否已存在；执行时仍以 remove 的实际结果为准。
	BackupPresent bool
}
