//go:build unix

package main

import (
	"os"
	"syscall"
)

// SIGHUP stops a warm loop whose terminal went away.
var extraSignals = []os.Signal{syscall.SIGTERM, syscall.SIGHUP}
