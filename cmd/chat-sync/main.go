package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/learnloop/chat-sync/chat"
	"github.com/learnloop/chat-sync/internal/config"
	"github.com/learnloop/chat-sync/internal/logging"
	"github.com/learnloop/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("group_id", cfg.GroupID),
		slog.String("user_id", cfg.UserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.APIBaseURL, cfg.Token, nil)

	session := chat.NewSession(chat.SessionConfig{
		API:         client,
		Store:       appState,
		GroupID:     cfg.GroupID,
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		Token:       cfg.Token,
		MatchWindow: cfg.MatchWindow,
		PageSize:    cfg.PageSize,
		OnNotice: func(msg string) {
			logger.Warn(msg)
		},
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := session.Start(gctx); err != nil {
			return fmt.Errorf("starting session: %w", err)
		}

		logger.Info("session started",
			slog.Int("entries", len(session.Entries())),
			slog.Int("members", len(session.Roster())),
			slog.String("status", string(session.Status())),
		)

		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Disconnect(shutdownCtx); err != nil {
			logger.Warn("disconnecting session", slog.String("error", err.Error()))
		}

		return gctx.Err()
	})

	if cfg.MetricsListenAddr != "" {
		g.Go(func() error {
			return runMetrics(gctx, cfg.MetricsListenAddr, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("chat-sync stopped")
		return nil
	}
	return err
}

// runMetrics serves the prometheus endpoint until the context ends.
func runMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("metrics listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
