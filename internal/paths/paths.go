package paths

import (
	"path"
	"path/filepath"
	"strings"
)

// LockSuffix is appended to a cache directory's path to name its lock file.
const LockSuffix = ".fsbridge-lock"

// Resolve joins p onto cwd unless p is already absolute, and cleans the
// result. Remote backends use slash-separated paths.
func Resolve(cwd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(cwd, p)
}

// ResolveLocal is Resolve for OS paths.
func ResolveLocal(cwd, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

// RenameTarget computes where a rename of cur to name lands: an absolute
// name is the target itself, anything else is taken relative to cur's
// parent directory.
func RenameTarget(cur, name string) string {
	return Resolve(path.Dir(cur), name)
}

// RenameTargetLocal is RenameTarget for OS paths.
func RenameTargetLocal(cur, name string) string {
	return ResolveLocal(filepath.Dir(cur), name)
}

// ValidName reports whether name can be used as a single directory entry.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/"+string(filepath.Separator))
}
