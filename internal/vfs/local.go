package vfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snadrus/fsbridge/internal/paths"
)

// Local is the backend for the machine's own filesystem. Every syscall,
// including reads and writes on open files, runs on a single worker
// goroutine, so cursors and files may be used from any goroutine without
// further locking.
type Local struct {
	jobs      chan func()
	quit      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewLocal() *Local {
	l := &Local{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Local) run() {
	for {
		select {
		case job := <-l.jobs:
			job()
		case <-l.quit:
			return
		}
	}
}

// Close stops the worker. Cursors created from l report Connected() ==
// false and fail with ErrDisconnected afterwards.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.quit)
	})
	return nil
}

// do runs fn on the worker. ctx only bounds the wait for the worker to
// accept the job; once accepted the job always runs to completion.
func (l *Local) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	job := func() { done <- fn() }
	select {
	case l.jobs <- job:
	case <-l.quit:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

// Root returns a cursor positioned on path. A relative path is taken
// relative to the process working directory.
func (l *Local) Root(ctx context.Context, path string) (Translator, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, localError("root", path, err)
	}
	t := &localTranslator{fs: l, path: string(filepath.Separator)}
	return t.WalkTo(ctx, abs)
}

type localTranslator struct {
	fs   *Local
	path string
	typ  FileType
}

func (t *localTranslator) Path() string    { return t.path }
func (t *localTranslator) Type() FileType  { return t.typ }
func (t *localTranslator) Connected() bool { return !t.fs.closed.Load() }

func (t *localTranslator) Clone() Translator {
	c := *t
	return &c
}

func (t *localTranslator) WalkTo(ctx context.Context, path string) (Translator, error) {
	target := paths.ResolveLocal(t.path, path)
	var info fs.FileInfo
	err := t.fs.do(ctx, func() (err error) {
		info, err = os.Lstat(target)
		return err
	})
	if err != nil {
		return nil, localError("walk", target, err)
	}
	t.path, t.typ = target, FileTypeOf(info.Mode())
	return t, nil
}

func (t *localTranslator) Stat(ctx context.Context) (Attributes, error) {
	var attrs Attributes
	err := t.fs.do(ctx, func() error {
		info, err := os.Lstat(t.path)
		if err != nil {
			return err
		}
		attrs = localAttributes(t.path, info)
		return nil
	})
	if err != nil {
		return nil, localError("stat", t.path, err)
	}
	return attrs, nil
}

func (t *localTranslator) List(ctx context.Context) ([]Attributes, error) {
	if t.typ != TypeDirectory {
		a, err := t.Stat(ctx)
		if err != nil {
			return nil, err
		}
		return []Attributes{a}, nil
	}

	var out []Attributes
	err := t.fs.do(ctx, func() error {
		entries, err := os.ReadDir(t.path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name() == "." || e.Name() == ".." {
				continue
			}
			info, err := e.Info()
			if err != nil {
				if os.IsNotExist(err) {
					// removed between readdir and lstat
					continue
				}
				return err
			}
			out = append(out, localAttributes(filepath.Join(t.path, e.Name()), info))
		}
		return nil
	})
	if err != nil {
		return nil, localError("list", t.path, err)
	}
	return out, nil
}

func (t *localTranslator) child(op, name string) (string, error) {
	if t.typ != TypeDirectory {
		return "", &LocalError{Op: op, Path: t.path, Msg: "not a directory", kind: ErrNotADirectory}
	}
	if !paths.ValidName(name) {
		return "", &LocalError{Op: op, Path: t.path, Msg: "invalid name " + name, kind: ErrIO}
	}
	return filepath.Join(t.path, name), nil
}

func (t *localTranslator) Create(ctx context.Context, name string, flag int, mode fs.FileMode) (File, error) {
	full, err := t.child("create", name)
	if err != nil {
		return nil, err
	}
	var f *os.File
	err = t.fs.do(ctx, func() (err error) {
		f, err = os.OpenFile(full, flag|os.O_CREATE, mode)
		return err
	})
	if err != nil {
		return nil, localError("create", full, err)
	}
	return &localFile{fs: t.fs, f: f, path: full}, nil
}

func (t *localTranslator) Mkdir(ctx context.Context, name string, mode fs.FileMode) (Translator, error) {
	full, err := t.child("mkdir", name)
	if err != nil {
		return nil, err
	}
	err = t.fs.do(ctx, func() error {
		if err := os.Mkdir(full, mode.Perm()); err != nil {
			return err
		}
		// Mkdir is subject to the umask.
		return os.Chmod(full, mode.Perm())
	})
	if err != nil {
		return nil, localError("mkdir", full, err)
	}
	return &localTranslator{fs: t.fs, path: full, typ: TypeDirectory}, nil
}

func (t *localTranslator) Open(ctx context.Context, flag int) (File, error) {
	if t.typ != TypeRegular {
		return nil, &LocalError{Op: "open", Path: t.path, Msg: "not a regular file", kind: ErrNotAFile}
	}
	var f *os.File
	err := t.fs.do(ctx, func() (err error) {
		f, err = os.OpenFile(t.path, flag, 0)
		return err
	})
	if err != nil {
		return nil, localError("open", t.path, err)
	}
	return &localFile{fs: t.fs, f: f, path: t.path}, nil
}

func (t *localTranslator) Remove(ctx context.Context) error {
	if t.typ == TypeDirectory {
		return &LocalError{Op: "remove", Path: t.path, Msg: "is a directory", kind: ErrNotAFile}
	}
	return localError("remove", t.path, t.fs.do(ctx, func() error {
		return os.Remove(t.path)
	}))
}

func (t *localTranslator) Rmdir(ctx context.Context) error {
	if t.typ != TypeDirectory {
		return &LocalError{Op: "rmdir", Path: t.path, Msg: "not a directory", kind: ErrNotADirectory}
	}
	return localError("rmdir", t.path, t.fs.do(ctx, func() error {
		return os.Remove(t.path)
	}))
}

func (t *localTranslator) Wstat(ctx context.Context, attrs Attributes) error {
	target := t.path
	if name, ok := attrs.Name(); ok && name != "" {
		target = paths.RenameTargetLocal(t.path, name)
	}
	mode, hasMode := attrs.Mode()
	mtime, hasMtime := attrs.Modified()

	err := t.fs.do(ctx, func() error {
		if target != t.path {
			if err := os.Rename(t.path, target); err != nil {
				return err
			}
			t.path = target
		}
		if hasMode {
			if err := os.Chmod(t.path, mode.Perm()); err != nil {
				return err
			}
		}
		if hasMtime {
			if err := os.Chtimes(t.path, time.Time{}, mtime); err != nil {
				return err
			}
		}
		return nil
	})
	return localError("wstat", t.path, err)
}

func localAttributes(path string, info fs.FileInfo) Attributes {
	a := attributesOf(info)
	platformAttributes(path, info, a)
	return a
}

// localFile routes every operation on an open file through the worker.
type localFile struct {
	fs   *Local
	f    *os.File
	path string
}

func (f *localFile) Read(p []byte) (n int, err error) {
	err = f.fs.do(context.Background(), func() (err error) {
		n, err = f.f.Read(p)
		return err
	})
	return n, localError("read", f.path, err)
}

func (f *localFile) Write(p []byte) (n int, err error) {
	err = f.fs.do(context.Background(), func() (err error) {
		n, err = f.f.Write(p)
		return err
	})
	return n, localError("write", f.path, err)
}

func (f *localFile) Close() error {
	err := f.fs.do(context.Background(), f.f.Close)
	if err == ErrDisconnected {
		err = f.f.Close()
	}
	return localError("close", f.path, err)
}
