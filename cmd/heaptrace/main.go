// Command heaptrace analyzes a finalized allocation trace and writes a
// ranked hotspot report to stdout.
//
// Usage:
//
//	heaptrace [flags] <trace-file> [frequency]
//
// frequency is the heavy-hitter reporting floor, a real number in (0, 1];
// it defaults to 0.01. With -store or a configured store the run is also
// persisted, and with -serve the stored reports are exposed over HTTP until
// the process receives SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/heaptrace/heaptrace/internal/analyze"
	"github.com/heaptrace/heaptrace/internal/config"
	"github.com/heaptrace/heaptrace/internal/report"
	"github.com/heaptrace/heaptrace/internal/server"
	"github.com/heaptrace/heaptrace/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the heaptrace YAML configuration file")
	errorBound := flag.Float64("error", 0, "lossy-counting error bound in (0, 1]; overrides the config file")
	storePath := flag.String("store", "", "persist the run to the SQLite report store at this path")
	serveAddr := flag.String("serve", "", "after analyzing, serve stored reports on this address")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: heaptrace [flags] <trace-file> [frequency]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		flag.Usage()
		return 2
	}
	tracePath := args[0]

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "heaptrace: %v\n", err)
			return 1
		}
	}
	if *storePath != "" {
		cfg.Store = config.StoreConfig{Driver: "sqlite", Path: *storePath}
	}
	if *serveAddr != "" {
		cfg.Serve.Addr = *serveAddr
	}
	if *errorBound != 0 {
		cfg.Error = *errorBound
	}

	frequency := cfg.Frequency
	if len(args) == 2 {
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil || f <= 0 || f > 1 {
			fmt.Fprintf(os.Stderr, "heaptrace: frequency %q must be a real number in (0, 1]\n", args[1])
			return 2
		}
		frequency = f
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	res, err := analyze.File(tracePath, analyze.Options{
		Frequency:  frequency,
		ErrorBound: cfg.Error,
	})
	if err != nil {
		logger.Error("analysis failed", slog.String("trace", tracePath), slog.Any("error", err))
		return 1
	}

	if err := report.Write(os.Stdout, res); err != nil {
		logger.Error("failed to write report", slog.Any("error", err))
		return 1
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open report store", slog.Any("error", err))
		return 1
	}
	if st != nil {
		defer st.Close()
		runID, err := st.SaveResult(ctx, res)
		if err != nil {
			logger.Error("failed to persist run", slog.Any("error", err))
			return 1
		}
		logger.Info("run persisted",
			slog.Int64("run_id", runID),
			slog.String("driver", cfg.Store.Driver),
			slog.Int("hotspots", len(res.Hotspots)),
		)
	}

	if cfg.Serve.Addr != "" {
		if st == nil {
			logger.Error("-serve requires a configured report store")
			return 1
		}
		if err := serve(cfg, st, logger); err != nil {
			logger.Error("report server error", slog.Any("error", err))
			return 1
		}
	}
	return 0
}

// serve blocks serving the report API until SIGTERM or SIGINT.
func serve(cfg *config.Config, st store.Store, logger *slog.Logger) error {
	var pubKey *rsa.PublicKey
	if cfg.Serve.JWTPublicKeyPath != "" {
		var err error
		if pubKey, err = server.LoadPublicKey(cfg.Serve.JWTPublicKeyPath); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         cfg.Serve.Addr,
		Handler:      server.NewRouter(server.NewServer(st, logger), pubKey),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("report server listening", slog.String("addr", cfg.Serve.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
