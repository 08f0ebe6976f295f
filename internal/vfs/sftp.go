package vfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/snadrus/fsbridge/internal/paths"
)

// SFTP is the backend for a remote host reached over SSH. The sftp client
// serializes requests on its single connection, so cursors and files may be
// shared between goroutines.
type SFTP struct {
	client    *sftp.Client
	closer    io.Closer
	closed    atomic.Bool
	closeOnce sync.Once
}

type DialOptions struct {
	User            string
	IdentityFile    string
	KnownHostsFile  string
	InsecureHostKey bool
	Timeout         time.Duration
}

// DialSSH connects to loc and opens an SFTP session. It tries the SSH agent
// first, then IdentityFile, then prompts for a password on the terminal.
func DialSSH(ctx context.Context, loc paths.Location, opts DialOptions) (*SFTP, error) {
	logger := zerolog.Ctx(ctx)

	user := loc.User
	if user == "" {
		user = opts.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	var authMethods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if opts.IdentityFile != "" {
		key, err := os.ReadFile(opts.IdentityFile)
		if err != nil {
			return nil, errors.Errorf("reading identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Errorf("parsing identity file %s: %w", opts.IdentityFile, err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	authMethods = append(authMethods, ssh.PasswordCallback(func() (string, error) {
		fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, loc.Host)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(pw), err
	}))

	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         opts.Timeout,
	}

	addr := loc.Address()
	logger.Info().Str("addr", addr).Str("user", user).Msg("connecting")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Errorf("ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.Errorf("ssh handshake %s: %w", addr, err)
	}
	sshc := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return nil, errors.Errorf("sftp session: %w", err)
	}

	s := NewSFTP(sc, sshc)
	go func() {
		_ = sshc.Wait()
		s.closed.Store(true)
	}()

	logger.Info().Str("addr", addr).Str("root", loc.Path).Msg("connected")
	return s, nil
}

func hostKeyCallback(opts DialOptions) (ssh.HostKeyCallback, error) {
	if opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := opts.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Errorf("locating known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, errors.Errorf("loading known hosts %s: %w", file, err)
	}
	return cb, nil
}

// NewSFTP wraps an already-open client. closer, if not nil, is closed along
// with the client.
func NewSFTP(client *sftp.Client, closer io.Closer) *SFTP {
	return &SFTP{client: client, closer: closer}
}

func (s *SFTP) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.client.Close()
		if s.closer != nil {
			if cerr := s.closer.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Root returns a cursor positioned on p. A relative p is taken relative to
// the remote working directory, normally the login home.
func (s *SFTP) Root(ctx context.Context, p string) (Translator, error) {
	cwd, err := s.client.Getwd()
	if err != nil {
		return nil, sftpError("getwd", p, err)
	}
	t := &sftpTranslator{fs: s, path: cwd, typ: TypeDirectory}
	return t.WalkTo(ctx, p)
}

func (s *SFTP) check() error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	return nil
}

type sftpTranslator struct {
	fs   *SFTP
	path string
	typ  FileType
}

func (t *sftpTranslator) Path() string    { return t.path }
func (t *sftpTranslator) Type() FileType  { return t.typ }
func (t *sftpTranslator) Connected() bool { return !t.fs.closed.Load() }

func (t *sftpTranslator) Clone() Translator {
	c := *t
	return &c
}

func (t *sftpTranslator) WalkTo(ctx context.Context, p string) (Translator, error) {
	target := paths.Resolve(t.path, p)
	info, err := t.lstat(ctx, target)
	if err != nil {
		return nil, sftpError("walk", target, err)
	}
	t.path, t.typ = target, FileTypeOf(info.Mode())
	return t, nil
}

func (t *sftpTranslator) lstat(ctx context.Context, p string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.fs.check(); err != nil {
		return nil, err
	}
	return t.fs.client.Lstat(p)
}

func (t *sftpTranslator) Stat(ctx context.Context) (Attributes, error) {
	info, err := t.lstat(ctx, t.path)
	if err != nil {
		return nil, sftpError("stat", t.path, err)
	}
	return sftpAttributes(info), nil
}

func (t *sftpTranslator) List(ctx context.Context) ([]Attributes, error) {
	if t.typ != TypeDirectory {
		a, err := t.Stat(ctx)
		if err != nil {
			return nil, err
		}
		return []Attributes{a}, nil
	}
	if err := t.ready(ctx); err != nil {
		return nil, sftpError("list", t.path, err)
	}
	infos, err := t.fs.client.ReadDir(t.path)
	if err != nil {
		return nil, sftpError("list", t.path, err)
	}
	out := make([]Attributes, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		out = append(out, sftpAttributes(info))
	}
	return out, nil
}

func (t *sftpTranslator) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.fs.check()
}

func (t *sftpTranslator) child(op, name string) (string, error) {
	if t.typ != TypeDirectory {
		return "", &SFTPError{Op: op, Path: t.path, Err: ErrNotADirectory, kind: ErrNotADirectory}
	}
	if !paths.ValidName(name) {
		return "", &SFTPError{Op: op, Path: t.path, Err: errors.Errorf("invalid name %q", name), kind: ErrIO}
	}
	return path.Join(t.path, name), nil
}

func (t *sftpTranslator) Create(ctx context.Context, name string, flag int, mode fs.FileMode) (File, error) {
	full, err := t.child("create", name)
	if err != nil {
		return nil, err
	}
	if err := t.ready(ctx); err != nil {
		return nil, sftpError("create", full, err)
	}
	f, err := t.fs.client.OpenFile(full, flag|os.O_CREATE)
	if err != nil {
		if flag&os.O_EXCL != 0 {
			if _, serr := t.fs.client.Lstat(full); serr == nil {
				err = fs.ErrExist
			}
		}
		return nil, sftpError("create", full, err)
	}
	t.chmod(ctx, full, mode)
	return &sftpFile{f: f, path: full}, nil
}

// chmod is best effort; some servers reject SETSTAT.
func (t *sftpTranslator) chmod(ctx context.Context, p string, mode fs.FileMode) {
	if err := t.fs.client.Chmod(p, mode.Perm()); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", p).Msg("sftp chmod failed")
	}
}

func (t *sftpTranslator) Mkdir(ctx context.Context, name string, mode fs.FileMode) (Translator, error) {
	full, err := t.child("mkdir", name)
	if err != nil {
		return nil, err
	}
	if err := t.ready(ctx); err != nil {
		return nil, sftpError("mkdir", full, err)
	}
	if err := t.fs.client.Mkdir(full); err != nil {
		if _, serr := t.fs.client.Lstat(full); serr == nil {
			err = fs.ErrExist
		}
		return nil, sftpError("mkdir", full, err)
	}
	t.chmod(ctx, full, mode)
	return &sftpTranslator{fs: t.fs, path: full, typ: TypeDirectory}, nil
}

func (t *sftpTranslator) Open(ctx context.Context, flag int) (File, error) {
	if t.typ != TypeRegular {
		return nil, &SFTPError{Op: "open", Path: t.path, Err: ErrNotAFile, kind: ErrNotAFile}
	}
	if err := t.ready(ctx); err != nil {
		return nil, sftpError("open", t.path, err)
	}
	f, err := t.fs.client.OpenFile(t.path, flag)
	if err != nil {
		return nil, sftpError("open", t.path, err)
	}
	return &sftpFile{f: f, path: t.path}, nil
}

func (t *sftpTranslator) Remove(ctx context.Context) error {
	if t.typ == TypeDirectory {
		return &SFTPError{Op: "remove", Path: t.path, Err: ErrNotAFile, kind: ErrNotAFile}
	}
	if err := t.ready(ctx); err != nil {
		return sftpError("remove", t.path, err)
	}
	return sftpError("remove", t.path, t.fs.client.Remove(t.path))
}

func (t *sftpTranslator) Rmdir(ctx context.Context) error {
	if t.typ != TypeDirectory {
		return &SFTPError{Op: "rmdir", Path: t.path, Err: ErrNotADirectory, kind: ErrNotADirectory}
	}
	if err := t.ready(ctx); err != nil {
		return sftpError("rmdir", t.path, err)
	}
	// SFTP reports a non-empty directory as a generic failure, so look first.
	children, err := t.fs.client.ReadDir(t.path)
	if err != nil {
		return sftpError("rmdir", t.path, err)
	}
	for _, c := range children {
		if c.Name() != "." && c.Name() != ".." {
			return &SFTPError{Op: "rmdir", Path: t.path, Err: ErrNotEmpty, kind: ErrNotEmpty}
		}
	}
	return sftpError("rmdir", t.path, t.fs.client.RemoveDirectory(t.path))
}

func (t *sftpTranslator) Wstat(ctx context.Context, attrs Attributes) error {
	if err := t.ready(ctx); err != nil {
		return sftpError("wstat", t.path, err)
	}
	if name, ok := attrs.Name(); ok && name != "" {
		target := paths.RenameTarget(t.path, name)
		if target != t.path {
			if err := t.fs.client.Rename(t.path, target); err != nil {
				return sftpError("rename", t.path, err)
			}
			t.path = target
		}
	}
	if mode, ok := attrs.Mode(); ok {
		if err := t.fs.client.Chmod(t.path, mode.Perm()); err != nil {
			return sftpError("chmod", t.path, err)
		}
	}
	if mtime, ok := attrs.Modified(); ok {
		if err := t.fs.client.Chtimes(t.path, mtime, mtime); err != nil {
			return sftpError("chtimes", t.path, err)
		}
	}
	return nil
}

func sftpAttributes(info fs.FileInfo) Attributes {
	a := attributesOf(info)
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		a[AttrUID] = st.UID
		a[AttrGID] = st.GID
	}
	return a
}

type sftpFile struct {
	f    *sftp.File
	path string
}

func (f *sftpFile) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	return n, sftpError("read", f.path, err)
}

func (f *sftpFile) Write(p []byte) (int, error) {
	n, err := f.f.Write(p)
	return n, sftpError("write", f.path, err)
}

func (f *sftpFile) Close() error {
	return sftpError("close", f.path, f.f.Close())
}
