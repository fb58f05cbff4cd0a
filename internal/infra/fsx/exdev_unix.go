//go:build unix

package fsx

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func isEXDEV(err error) bool {
	if errors.Is(err, unix.EXDEV) {
		return true
	}
	var le *os.LinkError
	if errors.As(err, &le) && errors.Is(le.Err, unix.EXDEV) {
		return true
	}
	return false
}
