package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/chanio"
)

const (
	defaultDirMode  fs.FileMode = 0o755
	defaultFileMode fs.FileMode = 0o644

	// Files are created owner-only and widened afterwards if at all.
	createMode fs.FileMode = 0o600
)

// Progress reports bytes written for one file. Every copied file produces
// at least one event, and its last event has Written == Total.
type Progress struct {
	Name    string
	Written uint64
	Total   uint64
}

func (p Progress) Complete() bool { return p.Written == p.Total }

type copyOptions struct {
	blockSize    int
	exclude      []string
	merge        bool
	preserveMode bool
}

type CopyOption func(*copyOptions)

// WithBlockSize sets the read block size for file contents.
func WithBlockSize(n int) CopyOption {
	return func(o *copyOptions) {
		if n > 0 {
			o.blockSize = n
		}
	}
}

// WithExclude skips entries whose path relative to the copy root, or whose
// name, matches any of the doublestar patterns.
func WithExclude(patterns ...string) CopyOption {
	return func(o *copyOptions) { o.exclude = append(o.exclude, patterns...) }
}

// WithMerge reuses destination directories that already exist and
// truncates existing files instead of failing.
func WithMerge() CopyOption {
	return func(o *copyOptions) { o.merge = true }
}

// WithPreserveMode applies the source permission bits to each copied file
// after it is closed. Failures are logged, not returned.
func WithPreserveMode() CopyOption {
	return func(o *copyOptions) { o.preserveMode = true }
}

// CopyStream is a running copy. Events must be drained; the copy does not
// advance while an event is waiting to be received.
type CopyStream struct {
	events chan Progress
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Events is closed when the copy ends.
func (s *CopyStream) Events() <-chan Progress { return s.events }

// Cancel stops the copy, closing any open file. The stream then ends
// without error; whatever was written so far stays at the destination.
func (s *CopyStream) Cancel() { s.cancel() }

// Err waits for the copy to end and returns its failure, if any.
// Cancellation is not a failure.
func (s *CopyStream) Err() error {
	<-s.done
	return s.err
}

// Copy replicates each of from as a child of dst, recursively, one entry at
// a time in listing order. Only regular files and directories are copied;
// symlinks and other types are skipped. The first failure ends the copy and
// leaves everything copied so far in place.
func Copy(ctx context.Context, dst Translator, from []Translator, opts ...CopyOption) *CopyStream {
	o := copyOptions{blockSize: chanio.DefaultBlockSize}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &CopyStream{
		events: make(chan Progress),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logger := zerolog.Ctx(ctx).With().
		Str("copy", uuid.NewString()).
		Str("dst", dst.Path()).
		Logger()
	ctx = logger.WithContext(ctx)

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()

		err := validatePatterns(o.exclude)
		if err == nil {
			c := &copier{opts: o, events: s.events}
			err = c.copyEntries(ctx, dst, from, "")
		}
		if err != nil && (ctx.Err() != nil || chanio.IsCanceled(err)) {
			logger.Debug().Err(err).Msg("copy canceled")
			err = nil
		}
		if err != nil {
			logger.Debug().Err(err).Msg("copy failed")
		}
		s.err = err
	}()
	return s
}

// CopyAll runs Copy to completion, calling fn for every event.
func CopyAll(ctx context.Context, dst Translator, from []Translator, fn func(Progress), opts ...CopyOption) error {
	s := Copy(ctx, dst, from, opts...)
	for p := range s.Events() {
		if fn != nil {
			fn(p)
		}
	}
	return s.Err()
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return errors.Errorf("invalid exclude pattern %q", p)
		}
	}
	return nil
}

type copier struct {
	opts   copyOptions
	events chan<- Progress
}

func (c *copier) emit(ctx context.Context, p Progress) error {
	select {
	case c.events <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Excluded reports whether the slash-separated relative path rel, or its
// last element, matches any of the doublestar patterns.
func Excluded(patterns []string, rel string) bool {
	name := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (c *copier) copyEntries(ctx context.Context, dst Translator, from []Translator, rel string) error {
	logger := zerolog.Ctx(ctx)
	for _, src := range from {
		switch src.Type() {
		case TypeRegular, TypeDirectory:
		default:
			logger.Debug().Str("path", src.Path()).Stringer("type", src.Type()).Msg("skipping")
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.copyOne(ctx, dst, src, rel); err != nil {
			return err
		}
	}
	return nil
}

func (c *copier) copyOne(ctx context.Context, dst, src Translator, rel string) error {
	attrs, err := src.Stat(ctx)
	if err != nil {
		return err
	}
	name, ok := attrs.Name()
	if !ok || name == "" {
		return &CopyError{Msg: "No name provided", Err: ErrMissingAttribute}
	}
	childRel := path.Join(rel, name)
	if Excluded(c.opts.exclude, childRel) {
		zerolog.Ctx(ctx).Debug().Str("path", childRel).Msg("excluded")
		return nil
	}

	size, ok := attrs.Size()
	if !ok {
		return &CopyError{Name: name, Msg: "No size provided", Err: ErrMissingAttribute}
	}
	mode, ok := attrs.Mode()
	if !ok {
		mode = defaultFileMode
		if src.Type() == TypeDirectory {
			mode = defaultDirMode
		}
	}

	if src.Type() == TypeDirectory {
		return c.copyDir(ctx, dst, src, name, mode.Perm(), childRel)
	}
	if size < 0 {
		return &CopyError{Name: name, Msg: fmt.Sprintf("negative size %d", size), Err: ErrMissingAttribute}
	}
	return c.copyFile(ctx, dst, src, name, mode.Perm(), uint64(size))
}

func (c *copier) copyDir(ctx context.Context, dst, src Translator, name string, mode fs.FileMode, rel string) error {
	target, err := dst.Mkdir(ctx, name, mode)
	if err != nil {
		if !c.opts.merge || !errors.Is(err, ErrAlreadyExists) {
			return err
		}
		target, err = dst.Clone().WalkTo(ctx, name)
		if err != nil {
			return err
		}
		if target.Type() != TypeDirectory {
			return &CopyError{Name: name, Msg: "destination exists and is not a directory", Err: ErrNotADirectory}
		}
	}
	zerolog.Ctx(ctx).Debug().Str("path", rel).Msg("directory")

	children, err := src.List(ctx)
	if err != nil {
		return err
	}
	next := make([]Translator, 0, len(children))
	for _, a := range children {
		childName, ok := a.Name()
		if !ok {
			return &CopyError{Name: name, Msg: "listing entry without a name", Err: ErrMissingAttribute}
		}
		if childName == "." || childName == ".." {
			continue
		}
		child, err := src.Clone().WalkTo(ctx, childName)
		if err != nil {
			return err
		}
		next = append(next, child)
	}
	return c.copyEntries(ctx, target, next, rel)
}

func (c *copier) copyFile(ctx context.Context, dst, src Translator, name string, mode fs.FileMode, size uint64) error {
	logger := zerolog.Ctx(ctx).With().Str("file", name).Uint64("size", size).Logger()

	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if c.opts.merge {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := dst.Create(ctx, name, flag, createMode)
	if err != nil {
		return err
	}
	closeOut := sync.OnceValue(out.Close)
	stop := context.AfterFunc(ctx, func() { _ = closeOut() })
	defer stop()

	if size == 0 {
		if err := closeOut(); err != nil {
			return err
		}
		if err := c.emit(ctx, Progress{Name: name}); err != nil {
			return err
		}
		c.applyMode(ctx, dst, name, mode)
		return nil
	}

	in, err := src.Open(ctx, os.O_RDONLY)
	if err != nil {
		_ = closeOut()
		return err
	}

	finalized := false
	written, err := chanio.Pump(ctx, out, in, c.opts.blockSize, func(w int64) error {
		if uint64(w) < size {
			return c.emit(ctx, Progress{Name: name, Written: uint64(w), Total: size})
		}
		if uint64(w) > size {
			return nil
		}
		if err := closeOut(); err != nil {
			return err
		}
		if err := c.emit(ctx, Progress{Name: name, Written: size, Total: size}); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		if !finalized || uint64(written) != size {
			_ = closeOut()
			return err
		}
		// The source failed after every byte was already written and the
		// destination closed.
		logger.Debug().Err(err).Msg("ignoring late source error")
	}
	if !finalized {
		_ = closeOut()
		return &CopyError{
			Name: name,
			Msg:  fmt.Sprintf("size changed during copy: expected %d bytes, copied %d", size, written),
			Err:  ErrIO,
		}
	}

	logger.Debug().Msg("copied")
	c.applyMode(ctx, dst, name, mode)
	return nil
}

func (c *copier) applyMode(ctx context.Context, dst Translator, name string, mode fs.FileMode) {
	if !c.opts.preserveMode || mode == createMode {
		return
	}
	t, err := dst.Clone().WalkTo(ctx, name)
	if err == nil {
		err = t.Wstat(ctx, Attributes{AttrMode: mode})
	}
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("file", name).Msg("could not apply mode")
	}
}
