package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/config"
	"github.com/snadrus/fsbridge/internal/paths"
	"github.com/snadrus/fsbridge/internal/vfs"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), append([]os.Signal{os.Interrupt}, extraSignals...)...)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

// run executes one command line and releases every backend it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{sftp: map[string]*vfs.SFTP{}}
	defer a.close(ctx)

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// app carries what the commands share: configuration and the backends
// opened so far.
type app struct {
	cfg   *config.Config
	debug bool

	local   *vfs.Local
	sftp    map[string]*vfs.SFTP
	closers []io.Closer
}

func newRootCmd(a *app) *cobra.Command {
	var (
		blockSize       int
		identityFile    string
		knownHosts      string
		insecureHostKey bool
	)

	cmd := &cobra.Command{
		Use:   "fsbridge",
		Short: "Browse and copy file trees between local disks and SFTP hosts",
		Long: `fsbridge addresses files through locations:

  /srv/data, local:/srv/data      a local path
  sftp:[user@]host:/path          a path on an SSH host
  ssh://user@host:2222/path       the same, with a port

Settings are read from FSBRIDGE_* environment variables (see "fsbridge env")
and overridden by flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("block-size") {
				cfg.BlockSize = blockSize
			}
			if flags.Changed("identity") {
				cfg.IdentityFile = identityFile
			}
			if flags.Changed("known-hosts") {
				cfg.KnownHostsFile = knownHosts
			}
			if flags.Changed("insecure-host-key") {
				cfg.InsecureHostKey = insecureHostKey
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg

			logger := newLogger(cmd.ErrOrStderr(), cfg, a.debug)
			cmd.SetContext(logger.WithContext(cmd.Context()))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&a.debug, "debug", "d", false, "enable debug logging")
	pf.IntVar(&blockSize, "block-size", 0, "read block size in bytes (default from FSBRIDGE_BLOCK_SIZE)")
	pf.StringVarP(&identityFile, "identity", "i", "", "SSH private key file")
	pf.StringVar(&knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	pf.BoolVar(&insecureHostKey, "insecure-host-key", false, "do not verify SSH host keys")

	cmd.AddCommand(
		newLsCmd(a),
		newStatCmd(a),
		newCpCmd(a),
		newMvCmd(a),
		newRmCmd(a),
		newMkdirCmd(a),
		newWarmCmd(a),
		newVersionCmd(),
		newEnvCmd(),
	)
	return cmd
}

func newLogger(w io.Writer, cfg *config.Config, debug bool) zerolog.Logger {
	level, _ := cfg.Level()
	if debug {
		level = zerolog.DebugLevel
	}
	out := w
	if !cfg.LogJSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

func (a *app) open(ctx context.Context, raw string) (vfs.Translator, error) {
	loc, err := paths.ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	return a.openLocation(ctx, loc)
}

func (a *app) openLocation(ctx context.Context, loc paths.Location) (vfs.Translator, error) {
	if loc.Scheme != paths.SchemeSFTP {
		if a.local == nil {
			a.local = vfs.NewLocal()
			a.closers = append(a.closers, a.local)
		}
		return a.local.Root(ctx, loc.Path)
	}

	key := loc.User + "@" + loc.Address()
	s, ok := a.sftp[key]
	if !ok {
		var err error
		s, err = vfs.DialSSH(ctx, loc, a.cfg.DialOptions())
		if err != nil {
			return nil, err
		}
		a.sftp[key] = s
		a.closers = append(a.closers, s)
	}
	return s.Root(ctx, loc.Path)
}

// openParent opens the directory that holds raw and returns the final
// path element, for commands that create or address a new entry.
func (a *app) openParent(ctx context.Context, raw string) (vfs.Translator, string, error) {
	loc, err := paths.ParseLocation(raw)
	if err != nil {
		return nil, "", err
	}
	var name string
	if loc.Scheme == paths.SchemeSFTP {
		p := path.Clean(loc.Path)
		loc.Path, name = path.Dir(p), path.Base(p)
	} else {
		p := filepath.Clean(loc.Path)
		loc.Path, name = filepath.Dir(p), filepath.Base(p)
	}
	if !paths.ValidName(name) {
		return nil, "", errors.Errorf("%s does not name an entry", raw)
	}
	dir, err := a.openLocation(ctx, loc)
	if err != nil {
		return nil, "", err
	}
	return dir, name, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("closing backend")
		}
	}
	a.closers = nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "fsbridge "+version)
			if commit != "unknown" {
				fmt.Fprintf(out, "  commit:  %s\n", commit)
			}
			if buildDate != "unknown" {
				fmt.Fprintf(out, "  built:   %s\n", buildDate)
			}
			fmt.Fprintf(out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the FSBRIDGE_* environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Usage(cmd.OutOrStdout())
		},
	}
}
