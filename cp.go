package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"

	"github.com/snadrus/fsbridge/internal/vfs"
)

func newCpCmd(a *app) *cobra.Command {
	var (
		merge        bool
		preserveMode bool
		quiet        bool
		exclude      []string
	)
	cmd := &cobra.Command{
		Use:   "cp SOURCE... DIRECTORY",
		Short: "Copy files and directory trees into a directory",
		Long: `Copy each SOURCE, recursively, into DIRECTORY. Sources and destination may
be on different backends. Symlinks are skipped. Files are created owner-only
unless --preserve-mode is given. An interrupted copy leaves what was written.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := zerolog.Ctx(ctx)

			dst, err := a.open(ctx, args[len(args)-1])
			if err != nil {
				return err
			}
			if dst.Type() != vfs.TypeDirectory {
				return errors.Errorf("%s: %w", args[len(args)-1], vfs.ErrNotADirectory)
			}
			from := make([]vfs.Translator, 0, len(args)-1)
			for _, raw := range args[:len(args)-1] {
				t, err := a.open(ctx, raw)
				if err != nil {
					return err
				}
				from = append(from, t)
			}

			patterns := append(append([]string{}, a.cfg.Exclude...), exclude...)
			opts := []vfs.CopyOption{vfs.WithBlockSize(a.cfg.BlockSize), vfs.WithExclude(patterns...)}
			if merge {
				opts = append(opts, vfs.WithMerge())
			}
			if preserveMode {
				opts = append(opts, vfs.WithPreserveMode())
			}

			var meter *progressLine
			if !quiet && term.IsTerminal(int(os.Stderr.Fd())) {
				meter = &progressLine{w: cmd.ErrOrStderr()}
			}
			out := cmd.OutOrStdout()
			start := time.Now()
			var files int
			var bytes uint64

			err = vfs.CopyAll(ctx, dst, from, func(p vfs.Progress) {
				if !p.Complete() {
					meter.update(p)
					return
				}
				meter.clear()
				files++
				bytes += p.Total
				if !quiet {
					fmt.Fprintf(out, "%s  %s\n", p.Name, humanize.IBytes(p.Total))
				}
			}, opts...)
			meter.clear()
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return errors.Errorf("interrupted after %d files: %w", files, ctx.Err())
			}
			logger.Info().Int("files", files).Str("bytes", humanize.IBytes(bytes)).
				Dur("took", time.Since(start).Round(time.Millisecond)).Msg("copy complete")
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&merge, "merge", false, "reuse existing directories and overwrite existing files")
	f.BoolVar(&preserveMode, "preserve-mode", false, "apply source permission bits to copied files")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not list copied files")
	f.StringArrayVarP(&exclude, "exclude", "x", nil, "skip entries matching a glob (repeatable, ** allowed)")
	return cmd
}

// progressLine redraws a single status line for the file being copied. A
// nil progressLine draws nothing.
type progressLine struct {
	w     io.Writer
	shown bool
}

func (l *progressLine) update(p vfs.Progress) {
	if l == nil {
		return
	}
	pct := 0.0
	if p.Total > 0 {
		pct = 100 * float64(p.Written) / float64(p.Total)
	}
	fmt.Fprintf(l.w, "\r\033[K%s  %s / %s  %3.0f%%",
		p.Name, humanize.IBytes(p.Written), humanize.IBytes(p.Total), pct)
	l.shown = true
}

func (l *progressLine) clear() {
	if l == nil || !l.shown {
		return
	}
	fmt.Fprint(l.w, "\r\033[K")
	l.shown = false
}
