package validator

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/vfs"
)

// ErrMismatch is returned by Validate when the trees differ.
var ErrMismatch = errors.Base("trees differ")

// Diff lists relative paths that differ between a source and a destination
// tree. Symlinks and other non-copyable entries are ignored on both sides.
type Diff struct {
	Missing    []string // in source, not in destination
	Mismatched []string // present in both with a different type or size
	Extra      []string // in destination, not in source
}

func (d Diff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Mismatched) == 0 && len(d.Extra) == 0
}

func (d Diff) String() string {
	var b strings.Builder
	section := func(label string, names []string) {
		if len(names) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(strings.Join(names, ", "))
	}
	section("missing", d.Missing)
	section("mismatched", d.Mismatched)
	section("extra", d.Extra)
	return b.String()
}

type shape struct {
	typ  vfs.FileType
	size int64
}

// Compare walks both trees and reports where dst does not mirror src.
// Regular files must match in size; directories only in presence. Entries
// matching an exclude pattern are left out on both sides.
func Compare(ctx context.Context, src, dst vfs.Translator, exclude []string) (Diff, error) {
	want, err := snapshot(ctx, src, exclude)
	if err != nil {
		return Diff{}, errors.Errorf("listing source %s: %w", src.Path(), err)
	}
	have, err := snapshot(ctx, dst, exclude)
	if err != nil {
		return Diff{}, errors.Errorf("listing destination %s: %w", dst.Path(), err)
	}

	var d Diff
	for rel, w := range want {
		h, ok := have[rel]
		switch {
		case !ok:
			d.Missing = append(d.Missing, rel)
		case h != w:
			d.Mismatched = append(d.Mismatched, rel)
		}
	}
	for rel := range have {
		if _, ok := want[rel]; !ok {
			d.Extra = append(d.Extra, rel)
		}
	}
	sort.Strings(d.Missing)
	sort.Strings(d.Mismatched)
	sort.Strings(d.Extra)
	return d, nil
}

// Validate checks that dst holds at least everything in src. Extra entries
// at the destination are not a failure.
func Validate(ctx context.Context, src, dst vfs.Translator, exclude []string) error {
	d, err := Compare(ctx, src, dst, exclude)
	if err != nil {
		return err
	}
	if len(d.Missing) > 0 || len(d.Mismatched) > 0 {
		d.Extra = nil
		return errors.Errorf("%w: %s", ErrMismatch, d)
	}
	return nil
}

func snapshot(ctx context.Context, root vfs.Translator, exclude []string) (map[string]shape, error) {
	out := map[string]shape{}
	err := vfs.Walk(ctx, root, func(rel string, attrs vfs.Attributes) error {
		typ := attrs.Type()
		if typ != vfs.TypeRegular && typ != vfs.TypeDirectory {
			return nil
		}
		if vfs.Excluded(exclude, rel) {
			if typ == vfs.TypeDirectory {
				return fs.SkipDir
			}
			return nil
		}
		s := shape{typ: typ}
		if typ == vfs.TypeRegular {
			size, ok := attrs.Size()
			if !ok {
				return errors.Errorf("%w: no size for %s", vfs.ErrMissingAttribute, rel)
			}
			s.size = size
		}
		out[rel] = s
		return nil
	})
	return out, err
}
