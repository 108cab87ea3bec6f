// Command rgms-cache inspects and maintains the RGMS offline cache store.
// Besides ad hoc inspection it can run as a janitor daemon, sweeping stale
// records on an interval, and drain the offline sync queue against the
// application API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	offline "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/cache"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/store/gc"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/syncq"
	"github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004/telemetry"
)

var version = "dev"

type globals struct {
	DB        string `help:"Path to the cache store." default:"rgms-cache.db" env:"RGMS_CACHE_DB"`
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"RGMS_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"RGMS_CACHE_LOG_FORMAT"`

	logger *slog.Logger
}

type cli struct {
	globals

	Stats   statsCmd   `cmd:"" help:"Show record counts per namespace and sync queue depth."`
	Inspect inspectCmd `cmd:"" help:"Dump cached records from a namespace."`
	Clear   clearCmd   `cmd:"" help:"Clear every record in a namespace."`
	Sweep   sweepCmd   `cmd:"" help:"Sweep stale records, once or as a daemon."`
	Queue   queueCmd   `cmd:"" help:"Inspect and update the offline sync queue."`
	Drain   drainCmd   `cmd:"" help:"Replay pending sync queue entries against the application API."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// Local overrides first so .env.local wins over .env.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	var cli cli
	kctx := kong.Parse(&cli,
		kong.Name("rgms-cache"),
		kong.Description("Offline cache maintenance for the RGMS client."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cli.logger = buildLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(cli.logger)

	if err := kctx.Run(&cli.globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(handler)
}

// openCache opens the store without the background sweeper; each command
// decides what maintenance to run.
func openCache(g *globals) (*cache.Cache, error) {
	c, err := cache.Open(g.DB,
		cache.WithLogger(g.logger),
		cache.WithoutSweeper(),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type statsCmd struct{}

func (cmd *statsCmd) Run(g *globals) error {
	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	schemaVersion, err := c.Store().Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema version: %d\n", schemaVersion)

	for _, ns := range offline.All() {
		count, err := c.Store().Count(ctx, ns.Name)
		if err != nil {
			return err
		}
		kind := "collection"
		if ns.Stamped {
			kind = "stamped"
		}
		fmt.Printf("%-12s %-10s %d records\n", ns.Name, kind, count)
	}

	pending, total, err := c.Queue().Len(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %-10s %d pending / %d total\n", "sync_queue", "queue", pending, total)
	return nil
}

type inspectCmd struct {
	Namespace string `arg:"" help:"Namespace to dump."`
	Key       string `arg:"" optional:"" help:"Single record key."`
}

func (cmd *inspectCmd) Run(g *globals) error {
	ns, ok := offline.Lookup(cmd.Namespace)
	if !ok {
		return fmt.Errorf("unknown namespace %q", cmd.Namespace)
	}

	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	printRecord := func(key string, data []byte, capturedAt time.Time) error {
		row := map[string]any{"key": key, "data": json.RawMessage(data)}
		if !capturedAt.IsZero() {
			row["captured_at"] = capturedAt
		}
		return out.Encode(row)
	}

	if cmd.Key != "" {
		if ns.Stamped {
			rec, err := c.Store().GetStamped(ctx, ns.Name, cmd.Key)
			if err != nil {
				return err
			}
			return printRecord(rec.Key, rec.Data, rec.CapturedAt)
		}
		data, err := c.Store().Get(ctx, ns.Name, cmd.Key)
		if err != nil {
			return err
		}
		return printRecord(cmd.Key, data, time.Time{})
	}

	records, err := c.Store().GetAll(ctx, ns.Name)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if ns.Stamped {
			stamped, err := c.Store().GetStamped(ctx, ns.Name, rec.Key)
			if err != nil {
				g.logger.Warn("skipping unreadable record", "key", rec.Key, "error", err)
				continue
			}
			if err := printRecord(stamped.Key, stamped.Data, stamped.CapturedAt); err != nil {
				return err
			}
			continue
		}
		if err := printRecord(rec.Key, rec.Data, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

type clearCmd struct {
	Namespace string `arg:"" help:"Namespace to clear."`
}

func (cmd *clearCmd) Run(g *globals) error {
	ns, ok := offline.Lookup(cmd.Namespace)
	if !ok {
		return fmt.Errorf("unknown namespace %q", cmd.Namespace)
	}

	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ClearCache(context.Background(), ns); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", ns.Name)
	return nil
}

type sweepCmd struct {
	Once        bool          `help:"Run one sweep and exit."`
	Interval    time.Duration `help:"Sweep interval in daemon mode." default:"1h"`
	Retention   time.Duration `help:"Stamped record age ceiling." default:"24h"`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address in daemon mode." default:""`
}

func (cmd *sweepCmd) Run(g *globals) error {
	c, err := cache.Open(g.DB,
		cache.WithLogger(g.logger),
		cache.WithoutSweeper(),
		cache.WithRetention(cmd.Retention),
		cache.WithSweepInterval(cmd.Interval),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	if cmd.Once {
		deleted, err := c.CleanupStaleCache(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d stale records\n", deleted)
		return nil
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "rgms-cache",
		ServiceVersion:   version,
		EnablePrometheus: cmd.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	sweeper := gc.New(c.Store(), gc.Config{
		Interval:  cmd.Interval,
		Retention: cmd.Retention,
		Logger:    g.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		g.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var metricsSrv *http.Server
	if cmd.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{
			Addr:              cmd.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			g.logger.Info("serving metrics", "addr", cmd.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				g.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	sweeper.Start(runCtx)
	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	return sweeper.Stop(stopCtx)
}

type queueCmd struct {
	List          queueListCmd          `cmd:"" help:"List pending sync queue entries."`
	MarkCompleted queueMarkCompletedCmd `cmd:"" name:"mark-completed" help:"Mark one entry as synced."`
}

type queueListCmd struct {
	All bool `help:"Include synced entries."`
}

func (cmd *queueListCmd) Run(g *globals) error {
	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)

	if cmd.All {
		_, total, err := c.Queue().Len(ctx)
		if err != nil {
			return err
		}
		for id := uint64(1); id <= uint64(total); id++ {
			entry, found, err := c.Queue().Get(ctx, id)
			if err != nil {
				return err
			}
			if found {
				if err := out.Encode(entry); err != nil {
					return err
				}
			}
		}
		return nil
	}

	pending, err := c.Queue().Pending(ctx)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if err := out.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

type queueMarkCompletedCmd struct {
	ID uint64 `arg:"" help:"Entry ID to mark synced."`
}

func (cmd *queueMarkCompletedCmd) Run(g *globals) error {
	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.Queue().MarkCompleted(context.Background(), cmd.ID)
}

type drainCmd struct {
	Endpoint string        `help:"Application API replay endpoint." required:""`
	Timeout  time.Duration `help:"Per-request timeout." default:"30s"`
}

func (cmd *drainCmd) Run(g *globals) error {
	c, err := openCache(g)
	if err != nil {
		return err
	}
	defer c.Close()

	drainer := syncq.NewDrainer(c.Queue(), &syncq.HTTPReplayer{
		Endpoint: cmd.Endpoint,
		Client:   &http.Client{Timeout: cmd.Timeout},
	}, g.logger)

	result, err := drainer.Drain(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("attempted %d, completed %d, failed %d\n",
		result.Attempted, result.Completed, result.Failed)
	if result.Failed > 0 {
		return fmt.Errorf("%d entries left pending", result.Failed)
	}
	return nil
}
