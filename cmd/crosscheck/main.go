// Command crosscheck serves the web console that drives the external
// Athena / SQL Server validation script.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/deixis/crosscheck"
	"github.com/deixis/crosscheck/internal/config"
	"github.com/deixis/crosscheck/internal/run"
	"github.com/deixis/crosscheck/internal/web"
)

// pruneInterval is how often retired run directories are swept.
const pruneInterval = 15 * time.Minute

func main() {
	fs := flag.NewFlagSet("crosscheck", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	dir := fs.String("dir", ".", "directory holding .crosscheck and the runs directory")
	debug := fs.Bool("debug", false, "enable debug logging")
	version := fs.Bool("version", false, "print the version and exit")
	_ = fs.Parse(os.Args[1:])

	if *version {
		fmt.Println(crosscheck.Version)
		return
	}

	log := newLogger(*debug)

	if err := serve(log, *dir, *addr); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func serve(log *slog.Logger, dir, addr string) error {
	// Optional .env; absence is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	if err := os.MkdirAll(cfg.RunsDir, 0o755); err != nil {
		return fmt.Errorf("creating runs directory: %w", err)
	}

	server, err := web.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx)
	})
	g.Go(func() error {
		return pruneLoop(ctx, log, cfg)
	})

	return g.Wait()
}

// pruneLoop periodically removes run directories beyond the retention
// cap so old reports do not pile up on disk.
func pruneLoop(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := run.PruneDirs(cfg.RunsDir, cfg.RetainRuns()); err != nil {
				log.Warn("pruning run directories", "err", err)
			}
		}
	}
}
