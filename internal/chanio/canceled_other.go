//go:build !unix && !windows

package chanio

func isCanceledErrno(error) bool { return false }
