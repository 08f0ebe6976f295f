//go:build unix

package chanio

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

func isCanceledErrno(err error) bool {
	return errors.Is(err, unix.ECANCELED)
}
