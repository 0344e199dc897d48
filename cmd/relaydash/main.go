package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydash/internal/config"
	"github.com/agentworkforce/relaydash/internal/engine"
	"github.com/agentworkforce/relaydash/internal/httpapi"
	"go.uber.org/zap"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaydash: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("relaydash", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", envOrDefault("RELAYDASH_CONFIG", ""), "YAML config file")
	fs.StringVar(&opts.envFile, "env-file", envOrDefault("RELAYDASH_ENV_FILE", ".env"), "dotenv file, ignored when missing")
	fs.StringVar(&opts.listen, "listen", "", "bridge listen address, overrides config")
	fs.BoolVar(&opts.once, "once", false, "load once, print a summary and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.HTTP.Listen = opts.listen
	}
	logger, err := cfg.Log.NewLogger("relaydash")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	eng, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	if opts.once {
		loadCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
		defer cancel()
		if err := eng.Refetch(loadCtx); err != nil {
			return err
		}
		return writeSummary(stdout, eng)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	server := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: httpapi.NewServer(eng, httpapi.ServerConfig{
			Token:          cfg.HTTP.Token,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			RateLimitMax:   cfg.HTTP.RateLimit,
			Logger:         logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", zap.String("addr", cfg.HTTP.Listen))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type summary struct {
	Stages  map[string]int `json:"stages"`
	Unseen  any            `json:"unseen"`
	Badges  map[string]int `json:"badges"`
	Deleted int            `json:"recycleBin"`
}

func writeSummary(w io.Writer, eng *engine.Engine) error {
	buckets := eng.StageBuckets()
	stages := map[string]int{}
	for stage, n := range buckets.Counts() {
		stages[string(stage)] = n
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary{
		Stages:  stages,
		Unseen:  eng.UnseenCounts(),
		Badges:  eng.Badges().Badges(),
		Deleted: len(buckets.Deleted),
	})
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
