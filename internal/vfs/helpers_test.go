package vfs_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snadrus/fsbridge/internal/vfs"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return logger.WithContext(context.Background())
}

func newLocal(t *testing.T) *vfs.Local {
	t.Helper()
	l := vfs.NewLocal()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// newMemSFTP serves an in-memory filesystem over a pipe.
func newMemSFTP(t *testing.T) *vfs.SFTP {
	t.Helper()
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(c2, c2)
	require.NoError(t, err)
	s := vfs.NewSFTP(client, server)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// writeTree creates files under dir. Keys ending in "/" are directories.
func writeTree(t *testing.T, dir string, tree map[string]string) {
	t.Helper()
	for rel, content := range tree {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			require.NoError(t, os.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

type entry struct {
	Type vfs.FileType
	Size int64
}

// listing maps every path below root to its type and, for files, size.
func listing(t *testing.T, ctx context.Context, root vfs.Translator) map[string]entry {
	t.Helper()
	out := map[string]entry{}
	err := vfs.Walk(ctx, root, func(rel string, attrs vfs.Attributes) error {
		e := entry{Type: attrs.Type()}
		if e.Type == vfs.TypeRegular {
			e.Size, _ = attrs.Size()
		}
		out[rel] = e
		return nil
	})
	require.NoError(t, err)
	return out
}

// children resolves every entry of dir to a cursor, sorted by name so tests
// get a stable source order.
func children(t *testing.T, ctx context.Context, dir vfs.Translator) []vfs.Translator {
	t.Helper()
	entries, err := dir.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, a := range entries {
		n, ok := a.Name()
		require.True(t, ok)
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]vfs.Translator, 0, len(names))
	for _, n := range names {
		c, err := dir.Clone().WalkTo(ctx, n)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func collect(t *testing.T, s *vfs.CopyStream) []vfs.Progress {
	t.Helper()
	var out []vfs.Progress
	for p := range s.Events() {
		out = append(out, p)
	}
	return out
}
