// Command pricewatch runs the price monitoring daemon: periodic crawls, an
// HTTP API, MCP tools over streamable HTTP and Prometheus metrics. The
// configuration file is reloaded when it changes.
//
//	pricewatch -config pricewatch.yaml -addr :8090
//	pricewatch -config pricewatch.yaml -once
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pricewatch/pricewatch"
	"github.com/hazyhaar/pricewatch/watch"
)

func main() {
	configPath := flag.String("config", env("PRICEWATCH_CONFIG", "pricewatch.yaml"), "configuration file")
	addr := flag.String("addr", env("PRICEWATCH_ADDR", ":8090"), "HTTP listen address")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	once := flag.Bool("once", false, "run every target once, print the summary and exit")
	watchEvery := flag.Duration("watch-interval", 5*time.Second, "configuration file polling interval (0 disables reload)")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := options{configPath: *configPath, addr: *addr, once: *once, watchEvery: *watchEvery}
	if err := run(ctx, opts, logger); err != nil {
		slog.Error("pricewatch", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addr       string
	once       bool
	watchEvery time.Duration
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	cfg, err := pricewatch.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	db, err := pricewatch.OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc, err := pricewatch.New(db, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if opts.once {
		sum, err := svc.TriggerRun(ctx, nil)
		if sum != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(sum)
		}
		return err
	}

	if opts.watchEvery > 0 {
		w := watch.New(watch.Options{
			Interval: opts.watchEvery,
			Debounce: time.Second,
			Detector: watch.FileVersion(opts.configPath),
			Logger:   logger,
		})
		go w.OnChange(ctx, func() error {
			next, err := pricewatch.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return svc.Reload(next)
		})
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pricewatch", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           routes(svc, mcpSrv, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("pricewatch: listening", "addr", opts.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("pricewatch: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("pricewatch: shutdown", "error", err)
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
