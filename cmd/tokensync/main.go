// Command tokensync synchronises an OAuth token cache between a durable
// GCS archive slot and the ephemeral filesystem of a scheduled job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/tokensync"
	"github.com/wolfeidau/tokensync/cachesync"
	"github.com/wolfeidau/tokensync/store/gcsstore"
	"github.com/wolfeidau/tokensync/telemetry"
	"github.com/wolfeidau/tokensync/workspace"
)

var version = "dev"

type globals struct {
	ctx    context.Context
	logger *slog.Logger
}

type cli struct {
	LogLevel     string           `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat    string           `help:"Log format." default:"text" enum:"text,json"`
	OTLPEndpoint string           `help:"OTLP gRPC endpoint for metrics export." env:"OTLP_ENDPOINT"`
	Version      kong.VersionFlag `help:"Print version and exit."`

	Seed    seedCmd    `cmd:"" help:"Seed the remote token cache from a locally prepared token directory (one-shot, before the first scheduled run)."`
	Restore restoreCmd `cmd:"" help:"Download the current remote token cache into a local directory."`
	Run     runCmd     `cmd:"" help:"Restore the token cache, run the job body, and persist the cache on success."`
}

type seedCmd struct {
	CacheURI string `help:"Remote cache location (gs://bucket/object-path)." env:"TOKEN_CACHE_URI" required:""`
	TokenDir string `help:"Prepared token directory to seed from." env:"TOKEN_DIR" default:".garth"`
}

func (c *seedCmd) Run(g *globals) error {
	slot, err := newSlot(g.ctx, c.CacheURI)
	if err != nil {
		return err
	}
	defer func() { _ = slot.Close() }()

	if err := cachesync.NewSeeder(slot, g.logger).Seed(g.ctx, c.TokenDir); err != nil {
		return err
	}

	fmt.Printf("Seeded %s to %s\n", c.TokenDir, slot.Location())
	return nil
}

type restoreCmd struct {
	CacheURI string `help:"Remote cache location (gs://bucket/object-path)." env:"TOKEN_CACHE_URI" required:""`
	Dest     string `help:"Directory to unpack the token cache into." required:""`
}

func (c *restoreCmd) Run(g *globals) error {
	slot, err := newSlot(g.ctx, c.CacheURI)
	if err != nil {
		return err
	}
	defer func() { _ = slot.Close() }()

	return cachesync.Fetch(g.ctx, slot, c.Dest, g.logger)
}

type runCmd struct {
	CacheURI string   `help:"Remote cache location (gs://bucket/object-path)." env:"TOKEN_CACHE_URI" required:""`
	Command  []string `arg:"" passthrough:"" help:"Job body command and arguments."`
}

// Run is the scheduled entrypoint: restore the token cache into a fresh
// workspace, hand the workspace to the job body via TOKEN_DIR, then
// persist on success or discard on failure. Any unrecovered error makes
// the process exit non-zero so the scheduler can alert.
func (c *runCmd) Run(g *globals) error {
	slot, err := newSlot(g.ctx, c.CacheURI)
	if err != nil {
		return err
	}
	defer func() { _ = slot.Close() }()

	ws, err := workspace.Create()
	if err != nil {
		return err
	}
	defer func() { _ = ws.Destroy() }()

	sync := cachesync.New(slot, ws, cachesync.WithLogger(g.logger))

	if err := sync.Restore(g.ctx); err != nil {
		return err
	}

	if err := c.runJobBody(g, ws.Path()); err != nil {
		if derr := sync.Discard(); derr != nil {
			g.logger.Error("discarding workspace", "error", derr)
		}
		return fmt.Errorf("job body failed, token cache not persisted: %w", err)
	}

	return sync.Persist(g.ctx)
}

// runJobBody executes the job command with the workspace exposed via
// TOKEN_DIR, streaming its output through.
func (c *runCmd) runJobBody(g *globals, tokenDir string) error {
	cmd := exec.CommandContext(g.ctx, c.Command[0], c.Command[1:]...)
	cmd.Env = append(os.Environ(), "TOKEN_DIR="+tokenDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	g.logger.Info("running job body", "command", c.Command, "token_dir", tokenDir)

	return cmd.Run()
}

// newSlot parses the cache URI and opens a GCS slot for it.
func newSlot(ctx context.Context, uri string) (*gcsstore.Slot, error) {
	loc, err := tokensync.ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	return gcsstore.New(ctx, loc)
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("tokensync"),
		kong.Description("Durable OAuth token cache synchronisation for ephemeral scheduled jobs."),
		kong.Vars{"version": version},
	)

	if err := run(&flags, kctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *cli, kctx *kong.Context) error {
	logger, err := setupLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:    "tokensync",
		ServiceVersion: version,
		OTLPEndpoint:   flags.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		// Flush on a fresh context so final metrics still export after
		// a signal cancelled the main one.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("shutting down metrics", "error", err)
		}
	}()

	return kctx.Run(&globals{ctx: ctx, logger: logger})
}

func setupLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
