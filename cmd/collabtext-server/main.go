package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/api"
	"collabtext/internal/config"
	"collabtext/internal/contents"
	"collabtext/internal/events"
	"collabtext/internal/fileid"
	"collabtext/internal/fork"
	"collabtext/internal/session"
	"collabtext/internal/updatelog"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "collabtext-server",
	Short:        "Serve collaborative editing rooms for the files below a directory",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, newLogger(cfg.Log))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if c.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FileIDPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	files, err := fileid.Open(ctx, cfg.FileIDPath)
	if err != nil {
		return err
	}
	defer files.Close()

	var (
		log   updatelog.DurableLog
		ready *updatelog.Ready
	)
	if cfg.Store.Backend != "none" {
		if cfg.Store.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
		}
		backend, err := updatelog.NewBackend(cfg.Store.Backend, cfg.Store.Path, cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		store := updatelog.New(backend, updatelog.Options{Logger: logger})
		defer store.Close()
		ready = store.Start(ctx)
		log = store
	}

	var sink events.Logger = events.Slog{Logger: logger}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to Redis, events stay local", "addr", cfg.Redis.Addr, "error", err)
		} else {
			logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
			sink = events.Multi{sink, events.NewRedis(rdb, cfg.Redis.Channel, logger)}
		}
	}

	local := contents.NewLocal(root)
	reg := session.New(ctx, session.Options{
		Log:          log,
		Ready:        ready,
		Files:        files,
		Contents:     local,
		Events:       sink,
		Logger:       logger,
		SaveDelay:    cfg.SaveDelay,
		PollInterval: cfg.PollInterval,
		CloseGrace:   cfg.CloseGrace,
		SaveRetries:  cfg.SaveRetries,
		CompactEvery: cfg.CompactEvery,
		SessionTTL:   cfg.SessionTTL,
		MaxSessions:  cfg.MaxSessions,
	})
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.New(api.Options{
			Sessions:   reg,
			Forks:      fork.New(reg, sink, logger),
			Ready:      ready,
			Logger:     logger,
			SendBuffer: cfg.SendBuffer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collabtext server listening", "addr", cfg.Listen, "root", root, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := local.Watch(gctx, logger, func(p string) {
			reg.NotifyPathChanged(gctx, p)
		})
		if err != nil {
			logger.Warn("file watcher unavailable, relying on polling", "error", err)
		}
		return nil
	})
	if cfg.MDNS.Enabled {
		g.Go(func() error {
			return advertise(gctx, cfg.MDNS, cfg.Listen, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		if err := reg.Close(shutdownCtx); err != nil {
			logger.Error("closing rooms failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
