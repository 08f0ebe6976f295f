package vfs

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Translator is a cursor over one location inside a backend. Local disk and
// SFTP both implement it, so the copy engine and the listing surface work
// without knowing which backend is on either side.
//
// Path and Type reflect the last successful WalkTo. A failed WalkTo leaves
// the cursor where it was.
type Translator interface {
	Path() string
	Type() FileType

	// Connected reports whether the backend session is still usable.
	Connected() bool

	// Clone returns an independent cursor over the same backend session.
	Clone() Translator

	// WalkTo resolves path (absolute, or relative to Path) and moves the
	// cursor there. It returns the receiver.
	WalkTo(ctx context.Context, path string) (Translator, error)

	Stat(ctx context.Context) (Attributes, error)

	// List returns the children of a directory, never "." or "..". For a
	// non-directory it returns a single entry describing the cursor itself.
	List(ctx context.Context) ([]Attributes, error)

	// Create makes a regular file named name inside the cursor directory.
	Create(ctx context.Context, name string, flag int, mode fs.FileMode) (File, error)

	// Mkdir makes a directory named name inside the cursor directory and
	// returns a new cursor positioned on it.
	Mkdir(ctx context.Context, name string, mode fs.FileMode) (Translator, error)

	Open(ctx context.Context, flag int) (File, error)

	Remove(ctx context.Context) error

	// Rmdir removes the cursor directory, which must be empty.
	Rmdir(ctx context.Context) error

	// Wstat applies a partial attribute update. A new AttrName renames:
	// an absolute value is the full target, anything else is a sibling name.
	Wstat(ctx context.Context, attrs Attributes) error
}

// File is an open handle returned by Open or Create. It must be closed
// before the same name is opened again through another cursor.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// FileTypeOf maps an fs.FileMode type to a FileType.
func FileTypeOf(m fs.FileMode) FileType {
	switch {
	case m.IsRegular():
		return TypeRegular
	case m.IsDir():
		return TypeDirectory
	case m&fs.ModeSymlink != 0:
		return TypeSymlink
	default:
		return TypeUnknown
	}
}

// Attribute keys understood by every backend. Backends may add extras.
const (
	AttrName     = "name"
	AttrType     = "type"
	AttrSize     = "size"
	AttrMode     = "mode"
	AttrCreated  = "created"
	AttrModified = "modified"
	AttrUID      = "uid"
	AttrGID      = "gid"
)

// Attributes is the key/value result of Stat and List, and the partial
// update accepted by Wstat. AttrName is always present in results, and
// AttrSize is present for regular files.
type Attributes map[string]any

func (a Attributes) Name() (string, bool) {
	v, ok := a[AttrName].(string)
	return v, ok
}

func (a Attributes) Type() FileType {
	if v, ok := a[AttrType].(FileType); ok {
		return v
	}
	return TypeUnknown
}

func (a Attributes) Size() (int64, bool) {
	switch v := a[AttrSize].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (a Attributes) Mode() (fs.FileMode, bool) {
	v, ok := a[AttrMode].(fs.FileMode)
	return v, ok
}

func (a Attributes) Modified() (time.Time, bool) {
	v, ok := a[AttrModified].(time.Time)
	return v, ok
}

// attributesOf builds the common attribute set from an fs.FileInfo.
func attributesOf(info fs.FileInfo) Attributes {
	return Attributes{
		AttrName:     info.Name(),
		AttrType:     FileTypeOf(info.Mode()),
		AttrSize:     info.Size(),
		AttrMode:     info.Mode().Perm(),
		AttrModified: info.ModTime(),
	}
}
