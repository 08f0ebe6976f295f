package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/snadrus/fsbridge/internal/cache"
	"github.com/snadrus/fsbridge/internal/metrics"
	"github.com/snadrus/fsbridge/internal/paths"
)

func newWarmCmd(a *app) *cobra.Command {
	var (
		interval    time.Duration
		lockTimeout time.Duration
		verify      bool
		metricsAddr string
		exclude     []string
	)
	cmd := &cobra.Command{
		Use:   "warm SOURCE CACHE-DIR",
		Short: "Keep a local cache of a tree up to date",
		Long: `Copy SOURCE into the local directory CACHE-DIR, overwriting what is already
there, then optionally verify the result. With --interval the pass repeats
until interrupted; press Enter to stop after the current pass.

CACHE-DIR is locked for the duration (CACHE-DIR` + paths.LockSuffix + `); a lock older than
--lock-timeout is considered abandoned and broken.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := zerolog.Ctx(ctx)
			flags := cmd.Flags()
			if !flags.Changed("interval") {
				interval = a.cfg.WarmInterval
			}
			if !flags.Changed("lock-timeout") {
				lockTimeout = a.cfg.LockTimeout
			}
			if !flags.Changed("metrics-addr") {
				metricsAddr = a.cfg.MetricsAddr
			}

			cacheLoc, err := paths.ParseLocation(args[1])
			if err != nil {
				return err
			}
			if cacheLoc.Scheme != paths.SchemeLocal {
				return errors.Errorf("cache %s must be a local directory", args[1])
			}
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			dst, err := a.openLocation(ctx, cacheLoc)
			if err != nil {
				return err
			}

			cfg := cache.Config{
				Source:      src,
				Cache:       dst,
				Interval:    interval,
				LockTimeout: lockTimeout,
				Verify:      verify,
				Exclude:     append(append([]string{}, a.cfg.Exclude...), exclude...),
				BlockSize:   a.cfg.BlockSize,
			}
			if interval > 0 && term.IsTerminal(int(os.Stdin.Fd())) {
				cfg.QuitCh = cache.ListenForQuit(ctx, os.Stdin)
				logger.Info().Msg("press Enter to stop after the current pass")
			}

			if metricsAddr == "" {
				return cache.Run(ctx, cfg)
			}
			cfg.Metrics = metrics.New()
			return runWithMetrics(ctx, cfg, metricsAddr)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&interval, "interval", 0, "repeat every interval; 0 runs once")
	f.DurationVar(&lockTimeout, "lock-timeout", cache.DefaultLockTimeout, "age after which a cache lock is broken")
	f.BoolVar(&verify, "verify", false, "compare the cache with the source after each pass")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringArrayVarP(&exclude, "exclude", "x", nil, "skip entries matching a glob (repeatable, ** allowed)")
	return cmd
}

// runWithMetrics runs the warm loop alongside a metrics server. The server
// stops when the loop ends; a server failure stops the loop.
func runWithMetrics(ctx context.Context, cfg cache.Config, addr string) error {
	logger := zerolog.Ctx(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", cfg.Metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return cache.Run(gctx, cfg)
	})
	return g.Wait()
}
