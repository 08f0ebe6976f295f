package chanio

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

func isCanceledErrno(err error) bool {
	return errors.Is(err, windows.ERROR_OPERATION_ABORTED)
}
