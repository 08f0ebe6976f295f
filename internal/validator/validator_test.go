package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snadrus/fsbridge/internal/vfs"
)

func setup(t *testing.T, src, dst map[string]string) (context.Context, vfs.Translator, vfs.Translator) {
	t.Helper()
	ctx := zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
	l := vfs.NewLocal()
	t.Cleanup(func() { _ = l.Close() })

	roots := make([]vfs.Translator, 0, 2)
	for _, tree := range []map[string]string{src, dst} {
		dir := t.TempDir()
		for rel, content := range tree {
			p := filepath.Join(dir, filepath.FromSlash(rel))
			if rel[len(rel)-1] == '/' {
				require.NoError(t, os.MkdirAll(p, 0o755))
				continue
			}
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
			require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		}
		root, err := l.Root(ctx, dir)
		require.NoError(t, err)
		roots = append(roots, root)
	}
	return ctx, roots[0], roots[1]
}

func TestCompareIdentical(t *testing.T) {
	tree := map[string]string{"a": "1", "d/b": "22", "empty/": ""}
	ctx, src, dst := setup(t, tree, tree)

	d, err := Compare(ctx, src, dst, nil)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.NoError(t, Validate(ctx, src, dst, nil))
}

func TestCompareDifferences(t *testing.T) {
	ctx, src, dst := setup(t,
		map[string]string{"same": "x", "short": "abcd", "gone": "g", "kind": "file", "dir/": ""},
		map[string]string{"same": "x", "short": "ab", "kind/": "", "dir/": "", "old.txt": "o"},
	)

	d, err := Compare(ctx, src, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, d.Missing)
	assert.Equal(t, []string{"kind", "short"}, d.Mismatched)
	assert.Equal(t, []string{"old.txt"}, d.Extra)
	assert.Equal(t, "missing: gone; mismatched: kind, short; extra: old.txt", d.String())

	err = Validate(ctx, src, dst, nil)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.NotContains(t, err.Error(), "old.txt")
}

func TestValidateAllowsExtra(t *testing.T) {
	ctx, src, dst := setup(t,
		map[string]string{"a": "1"},
		map[string]string{"a": "1", "stale/b": "2"},
	)
	assert.NoError(t, Validate(ctx, src, dst, nil))
}

func TestCompareExclude(t *testing.T) {
	ctx, src, dst := setup(t,
		map[string]string{"a": "1", "cache/x.tmp": "t", "b.tmp": "t"},
		map[string]string{"a": "1"},
	)
	d, err := Compare(ctx, src, dst, []string{"*.tmp", "cache"})
	require.NoError(t, err)
	assert.True(t, d.Empty(), d.String())
}
