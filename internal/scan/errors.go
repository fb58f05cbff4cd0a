package scan

import (
	"io"

	"github.com/pkg/errors"
)

var errNotDir = errors.New("不是目录")

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
