package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	assert.Equal(t, "/a/b/c", Resolve("/a/b", "c"))
	assert.Equal(t, "/a/c", Resolve("/a/b", "../c"))
	assert.Equal(t, "/x", Resolve("/a/b", "/x/./y/.."))
	assert.Equal(t, "/a/b", Resolve("/a/b", "."))
}

func TestRenameTarget(t *testing.T) {
	assert.Equal(t, "/srv/data/new.txt", RenameTarget("/srv/data/old.txt", "new.txt"))
	assert.Equal(t, "/srv/new.txt", RenameTarget("/srv/data/old.txt", "../new.txt"))
	assert.Equal(t, "/elsewhere/x", RenameTarget("/srv/data/old.txt", "/elsewhere/x"))

	dir := t.TempDir()
	old := filepath.Join(dir, "old.txt")
	assert.Equal(t, filepath.Join(dir, "new.txt"), RenameTargetLocal(old, "new.txt"))
	assert.Equal(t, filepath.Join(dir, "sub"), RenameTargetLocal(old, filepath.Join(dir, "sub")))
}

func TestValidName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b"} {
		assert.False(t, ValidName(bad), bad)
	}
	for _, good := range []string{"a", ".hidden", "file.txt", "..x"} {
		assert.True(t, ValidName(good), good)
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{in: "/some/path", want: Location{Scheme: SchemeLocal, Path: "/some/path"}},
		{in: "local:/some/path", want: Location{Scheme: SchemeLocal, Path: "/some/path"}},
		{in: "sftp:nas:/volume1/photos", want: Location{Scheme: SchemeSFTP, Host: "nas", Path: "/volume1/photos"}},
		{in: "sftp:alice@nas:/data", want: Location{Scheme: SchemeSFTP, User: "alice", Host: "nas", Path: "/data"}},
		{in: "sftp:nas:", want: Location{Scheme: SchemeSFTP, Host: "nas", Path: "."}},
		{in: "ssh://bob@example.com:2222/home/bob", want: Location{Scheme: SchemeSFTP, User: "bob", Host: "example.com", Port: "2222", Path: "/home/bob"}},
		{in: "ssh://example.com", want: Location{Scheme: SchemeSFTP, Host: "example.com", Path: "/"}},
		{in: `"local:/quoted"`, want: Location{Scheme: SchemeLocal, Path: "/quoted"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "sftp:", "sftp::/x", "local:", "ssh:///nohost"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "local:/x", Location{Scheme: SchemeLocal, Path: "/x"}.String())
	assert.Equal(t, "sftp:alice@nas:/data", Location{Scheme: SchemeSFTP, User: "alice", Host: "nas", Path: "/data"}.String())
	assert.Equal(t, "ssh://nas:2222/data", Location{Scheme: SchemeSFTP, Host: "nas", Port: "2222", Path: "/data"}.String())
	assert.Equal(t, "nas:22", Location{Host: "nas"}.Address())
}
