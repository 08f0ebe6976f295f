package vfs

import (
	"context"
	"io/fs"
	"path"

	"gitlab.com/tozd/go/errors"
)

// WalkFunc is called for every entry below the walk root with its path
// relative to the root (slash-separated). Returning fs.SkipDir from a
// directory skips its children.
type WalkFunc func(rel string, attrs Attributes) error

// Walk visits every entry below root depth first, in listing order. root
// itself is not visited. Symlinks are reported but never followed.
func Walk(ctx context.Context, root Translator, fn WalkFunc) error {
	return walk(ctx, root, "", fn)
}

func walk(ctx context.Context, dir Translator, rel string, fn WalkFunc) error {
	if dir.Type() != TypeDirectory {
		return nil
	}
	entries, err := dir.List(ctx)
	if err != nil {
		return err
	}
	for _, attrs := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, ok := attrs.Name()
		if !ok {
			return errors.Errorf("%w: listing of %s has an entry without a name", ErrMissingAttribute, dir.Path())
		}
		childRel := path.Join(rel, name)
		err := fn(childRel, attrs)
		if errors.Is(err, fs.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}
		if attrs.Type() != TypeDirectory {
			continue
		}
		child, err := dir.Clone().WalkTo(ctx, name)
		if err != nil {
			return err
		}
		if err := walk(ctx, child, childRel, fn); err != nil {
			return err
		}
	}
	return nil
}
