//go:build !unix

package main

import "os"

var extraSignals []os.Signal
