//go:build !linux

package vfs

import "io/fs"

func platformAttributes(string, fs.FileInfo, Attributes) {}
