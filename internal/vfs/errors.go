package vfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"syscall"

	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/chanio"
)

// Failure conditions shared by all backends. Backends return their own
// error types, which match these with errors.Is.
var (
	ErrNotFound         = errors.Base("not found")
	ErrPermissionDenied = errors.Base("permission denied")
	ErrNotADirectory    = errors.Base("not a directory")
	ErrNotAFile         = errors.Base("not a regular file")
	ErrAlreadyExists    = errors.Base("already exists")
	ErrNotEmpty         = errors.Base("directory not empty")
	ErrMissingAttribute = errors.Base("missing attribute")
	ErrIO               = chanio.ErrIO
	ErrDisconnected     = errors.Base("backend disconnected")
)

// CopyError is a failure raised by the copy engine itself rather than by a
// backend, e.g. a source whose Stat lacks a size.
type CopyError struct {
	Name string
	Msg  string
	Err  error
}

func (e *CopyError) Error() string {
	if e.Name == "" {
		return "copy: " + e.Msg
	}
	return "copy " + e.Name + ": " + e.Msg
}

func (e *CopyError) Unwrap() error { return e.Err }

// LocalError is the only error type the local backend returns. It carries a
// human-readable message; errors.Is matches it against the shared
// conditions above.
type LocalError struct {
	Op   string
	Path string
	Msg  string
	kind error
}

func (e *LocalError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Msg
}

func (e *LocalError) Is(target error) bool {
	return target == e.kind
}

func localError(op, path string, err error) error {
	if err == nil || passThrough(err) {
		return err
	}
	var le *LocalError
	if errors.As(err, &le) {
		return le
	}
	msg := err.Error()
	var pe *fs.PathError
	if errors.As(err, &pe) {
		msg = pe.Err.Error()
	}
	var lnk *os.LinkError
	if errors.As(err, &lnk) {
		msg = lnk.Err.Error()
	}
	return &LocalError{Op: op, Path: path, Msg: msg, kind: classify(err)}
}

// SFTPError wraps a failure reported by the SFTP session.
type SFTPError struct {
	Op   string
	Path string
	Err  error
	kind error
}

func (e *SFTPError) Error() string {
	return "sftp " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *SFTPError) Unwrap() []error { return []error{e.kind, e.Err} }

func sftpError(op, path string, err error) error {
	if err == nil || passThrough(err) {
		return err
	}
	var se *SFTPError
	if errors.As(err, &se) {
		return se
	}
	return &SFTPError{Op: op, Path: path, Err: err, kind: classify(err)}
}

// passThrough is true for errors that are not backend failures and must
// reach the caller untouched.
func passThrough(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classify maps an OS or protocol error onto one of the shared conditions.
func classify(err error) error {
	// Errno values match the io/fs sentinels loosely (ENOTEMPTY is also
	// fs.ErrExist), so the specific numbers are checked first.
	switch {
	case errors.Is(err, syscall.ENOTEMPTY):
		return ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		return ErrNotADirectory
	case errors.Is(err, syscall.EISDIR):
		return ErrNotAFile
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return ErrAlreadyExists
	case errors.Is(err, ErrDisconnected):
		return ErrDisconnected
	default:
		return ErrIO
	}
}
