package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/vfs"
)

var (
	dirColor  = color.New(color.FgBlue, color.Bold)
	linkColor = color.New(color.FgCyan)
	faint     = color.New(color.Faint)
)

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [LOCATION]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			t, err := a.open(cmd.Context(), target)
			if err != nil {
				return err
			}
			entries, err := t.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				ni, _ := entries[i].Name()
				nj, _ := entries[j].Name()
				return ni < nj
			})
			for _, e := range entries {
				printEntry(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
}

func printEntry(w io.Writer, attrs vfs.Attributes) {
	name, _ := attrs.Name()
	perm, _ := attrs.Mode()
	mode := perm.Perm()
	size := "-"
	switch attrs.Type() {
	case vfs.TypeDirectory:
		mode |= fs.ModeDir
		name = dirColor.Sprint(name + "/")
	case vfs.TypeSymlink:
		mode |= fs.ModeSymlink
		name = linkColor.Sprint(name)
	default:
		if n, ok := attrs.Size(); ok && n >= 0 {
			size = humanize.IBytes(uint64(n))
		}
	}
	mtime := "-"
	if t, ok := attrs.Modified(); ok {
		mtime = t.Local().Format("2006-01-02 15:04")
	}
	fmt.Fprintf(w, "%s %10s %s %s\n", mode, size, faint.Sprint(mtime), name)
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat LOCATION",
		Short: "Show every attribute of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			attrs, err := t.Stat(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %s\n", "path", t.Path())
			for _, k := range keys {
				fmt.Fprintf(out, "%-10s %s\n", k, formatAttr(attrs[k]))
			}
			return nil
		},
	}
}

func formatAttr(v any) string {
	switch v := v.(type) {
	case time.Time:
		return v.Format(time.RFC3339)
	case fs.FileMode:
		return fmt.Sprintf("%04o", uint32(v.Perm()))
	default:
		return fmt.Sprint(v)
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "mkdir LOCATION",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := strconv.ParseUint(mode, 8, 32)
			if err != nil {
				return errors.Errorf("invalid mode %q: %w", mode, err)
			}
			dir, name, err := a.openParent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = dir.Mkdir(cmd.Context(), name, fs.FileMode(perm).Perm())
			return err
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "0755", "permission bits, in octal")
	return cmd
}

func newMvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv LOCATION NAME",
		Short: "Rename an entry",
		Long: `Rename an entry on its own backend. A relative NAME is taken from the
entry's parent directory; an absolute NAME moves it elsewhere on the
same host.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := t.Wstat(cmd.Context(), vfs.Attributes{vfs.AttrName: args[1]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Path())
			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm LOCATION...",
		Short: "Remove files, or directories with -r",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, raw := range args {
				t, err := a.open(ctx, raw)
				if err != nil {
					return err
				}
				switch {
				case t.Type() != vfs.TypeDirectory:
					err = t.Remove(ctx)
				case recursive:
					err = removeAll(ctx, t)
				default:
					err = t.Rmdir(ctx)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove directories and their contents")
	return cmd
}

func removeAll(ctx context.Context, t vfs.Translator) error {
	if t.Type() != vfs.TypeDirectory {
		return t.Remove(ctx)
	}
	entries, err := t.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name, ok := e.Name()
		if !ok {
			return errors.Errorf("%w: entry without a name in %s", vfs.ErrMissingAttribute, t.Path())
		}
		child, err := t.Clone().WalkTo(ctx, name)
		if err != nil {
			return err
		}
		if err := removeAll(ctx, child); err != nil {
			return err
		}
	}
	zerolog.Ctx(ctx).Debug().Str("path", t.Path()).Msg("removing directory")
	return t.Rmdir(ctx)
}
