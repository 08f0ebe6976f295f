// Package cache keeps a local copy of a remote tree warm: it copies the
// source into a cache directory, optionally verifies the result, then
// sleeps and repeats.
package cache

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/metrics"
	"github.com/snadrus/fsbridge/internal/paths"
	"github.com/snadrus/fsbridge/internal/validator"
	"github.com/snadrus/fsbridge/internal/vfs"
)

const DefaultLockTimeout = 6 * time.Hour

type Config struct {
	Source vfs.Translator
	// Cache is a local directory; Source is copied into it as a child.
	// The lock file sits next to it.
	Cache vfs.Translator

	Interval    time.Duration // 0 runs a single pass
	LockTimeout time.Duration
	Verify      bool
	Exclude     []string
	BlockSize   int
	Metrics     *metrics.Recorder // optional
	// QuitCh ends the loop at the next pass boundary, or wakes it from
	// the pause between passes.
	QuitCh <-chan struct{}
}

// ListenForQuit returns a channel that is closed once a line is read from r,
// so pressing Enter on a warm loop's terminal stops it between passes. The
// channel is never closed if r ends first.
func ListenForQuit(ctx context.Context, r io.Reader) <-chan struct{} {
	quit := make(chan struct{})
	go func() {
		if !bufio.NewScanner(r).Scan() {
			return
		}
		zerolog.Ctx(ctx).Info().Msg("stop requested; the cache keeps what this pass copies")
		close(quit)
	}()
	return quit
}

// Run locks the cache and runs copy passes until the context is cancelled,
// a quit is requested, or, with a zero Interval, after the first pass.
// With a non-zero Interval a failed pass is logged and retried on the next
// tick; with a zero Interval its error is returned.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Source == nil || cfg.Cache == nil {
		return errors.New("cache: source and cache are required")
	}
	if cfg.Cache.Type() != vfs.TypeDirectory {
		return errors.Errorf("cache: %s: %w", cfg.Cache.Path(), vfs.ErrNotADirectory)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	logger := zerolog.Ctx(ctx)

	lockPath := cfg.Cache.Path() + paths.LockSuffix
	release, err := acquireLock(ctx, lockPath, cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	logger.Info().Str("source", cfg.Source.Path()).Str("cache", cfg.Cache.Path()).
		Dur("interval", cfg.Interval).Msg("warming cache")

	for pass := 1; ; pass++ {
		err := runPass(ctx, cfg, pass)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if cfg.Interval == 0 {
				return err
			}
			logger.Error().Err(err).Int("pass", pass).Msg("pass failed")
		}
		if cfg.Interval == 0 {
			return nil
		}
		select {
		case <-cfg.QuitCh:
			return nil
		default:
		}
		if err := touchLock(lockPath); err != nil {
			logger.Warn().Err(err).Str("lock", lockPath).Msg("could not refresh lock")
		}
		logger.Info().Time("next", time.Now().Add(cfg.Interval)).Msg("cache warm, waiting for next pass")
		if !awaitNextPass(ctx, cfg.Interval, cfg.QuitCh) {
			return nil
		}
	}
}

func runPass(ctx context.Context, cfg Config, pass int) error {
	logger := zerolog.Ctx(ctx).With().Int("pass", pass).Logger()
	ctx = logger.WithContext(ctx)
	start := time.Now()

	opts := []vfs.CopyOption{vfs.WithMerge(), vfs.WithExclude(cfg.Exclude...)}
	if cfg.BlockSize > 0 {
		opts = append(opts, vfs.WithBlockSize(cfg.BlockSize))
	}

	var files int
	var bytes uint64
	err := vfs.CopyAll(ctx, cfg.Cache, []vfs.Translator{cfg.Source}, func(p vfs.Progress) {
		if cfg.Metrics != nil {
			cfg.Metrics.Observe(p)
		}
		if p.Complete() {
			files++
			bytes += p.Total
			logger.Debug().Str("file", p.Name).Str("size", humanize.IBytes(p.Total)).Msg("cached")
		}
	}, opts...)
	if err == nil && cfg.Verify && ctx.Err() == nil {
		err = verify(ctx, cfg)
	}
	if ctx.Err() != nil {
		logger.Info().Int("files", files).Msg("pass interrupted")
		return nil
	}
	if cfg.Metrics != nil {
		cfg.Metrics.Run(start, err)
	}
	if err != nil {
		return err
	}

	logger.Info().Int("files", files).Str("bytes", humanize.IBytes(bytes)).
		Dur("took", time.Since(start).Round(time.Millisecond)).Msg("pass complete")
	return nil
}

func verify(ctx context.Context, cfg Config) error {
	attrs, err := cfg.Source.Stat(ctx)
	if err != nil {
		return err
	}
	name, _ := attrs.Name()
	dst, err := cfg.Cache.Clone().WalkTo(ctx, name)
	if err != nil {
		return errors.Errorf("verify: %w", err)
	}
	if cfg.Source.Type() != vfs.TypeDirectory {
		return validateFile(ctx, attrs, dst)
	}
	if err := validator.Validate(ctx, cfg.Source, dst, cfg.Exclude); err != nil {
		return errors.Errorf("verify: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Msg("verified")
	return nil
}

func validateFile(ctx context.Context, want vfs.Attributes, dst vfs.Translator) error {
	have, err := dst.Stat(ctx)
	if err != nil {
		return err
	}
	ws, _ := want.Size()
	hs, _ := have.Size()
	if have.Type() != vfs.TypeRegular || ws != hs {
		return errors.Errorf("verify: %w: %s is %s of %d bytes, want %d",
			validator.ErrMismatch, dst.Path(), have.Type(), hs, ws)
	}
	return nil
}

// awaitNextPass reports whether another pass is due after d, or false if
// the loop was cancelled or asked to quit in the meantime.
func awaitNextPass(ctx context.Context, d time.Duration, quit <-chan struct{}) bool {
	next := time.NewTimer(d)
	defer next.Stop()
	select {
	case <-next.C:
		return true
	case <-ctx.Done():
	case <-quit:
	}
	return false
}
