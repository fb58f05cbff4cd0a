//go:build !unix

package reindex

import "os/exec"

func killProcessGroupOnCancel(cmd *exec.Cmd) {}
