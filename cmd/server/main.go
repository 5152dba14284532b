package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gwi.com/chatkeeper/internal/api"
	"gwi.com/chatkeeper/internal/auth"
	"gwi.com/chatkeeper/internal/checkpoint"
	"gwi.com/chatkeeper/internal/config"
	"gwi.com/chatkeeper/internal/core"
	"gwi.com/chatkeeper/internal/quota"
	"gwi.com/chatkeeper/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "chatkeeper",
		Short:         "Per-user chat store and prompt quota in front of an LLM API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tokenCmd())

	// Subcommands derive their signal-aware context from this one
	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Setup logging
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     cfg.SlogLevel(),
		AddSource: cfg.SlogLevel() == slog.LevelDebug,
	})))
	return cfg, nil
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-key>",
		Short: "Print a signed 24h token for a user key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.GenerateJWT([]byte(cfg.JWTSecret), store.UserKey(args[0]))
			if err != nil {
				return errors.Wrap(err, "signing token")
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateProvider(); err != nil {
				return err
			}
			// Cancel on interrupt so the server drains and checkpoints
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newCompleter(ctx context.Context, cfg *config.Config) (core.Completer, func(), error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		g, err := core.NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return core.NewOpenAICompleter(cfg.OpenAIURL, cfg.OpenAIModel, cfg.OpenAIAPIKey, nil), func() {}, nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Initialize in-memory stores and the quota gate
	chats := store.NewChatStore()
	profiles := store.NewProfileStore()
	gate := quota.NewGate(cfg.PromptLimit, cfg.PromptWindow)
	slog.Info("quota gate configured", "limit", gate.Limit(), "window", gate.Window())

	// Restore the last checkpoint, if persistence is enabled
	var cp *checkpoint.Checkpointer
	if cfg.CheckpointPath != "" {
		db, err := checkpoint.NewSQLiteStore(cfg.CheckpointPath)
		if err != nil {
			return errors.Wrap(err, "opening checkpoint database")
		}
		defer db.Close()
		cp = checkpoint.NewCheckpointer(db, chats, profiles, gate)
		if err := cp.Restore(ctx); err != nil {
			return err
		}
	}

	// Initialize the completion provider
	completer, closeCompleter, err := newCompleter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCompleter()

	// Initialize API Handler and Router
	conversation := core.NewConversationService(completer, cfg.CompletionTimeout)
	router := api.NewRouter(api.NewAPIHandler(chats, profiles, gate, conversation, []byte(cfg.JWTSecret)))

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.CompletionTimeout + 15*time.Second, // Room for the slowest completion
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Closed once in-flight requests have finished
	drained := make(chan struct{})

	g.Go(func() error {
		slog.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrapf(err, "listening on %s", serverAddr)
		}
		return nil
	})

	// Graceful shutdown handling
	g.Go(func() error {
		<-gctx.Done()
		defer close(drained)
		slog.Info("shutting down server")
		// Long enough for a pending completion to finish and be recorded
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CompletionTimeout+15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Drop expired lockouts in the background
	g.Go(func() error {
		gate.RunPruner(gctx, cfg.QuotaPruneInterval, func(removed int) {
			slog.Debug("pruned expired quota entries", "removed", removed)
		})
		return nil
	})

	// Periodic checkpoints, plus a final one after the drain
	if cp != nil {
		g.Go(func() error {
			return cp.Run(gctx, cfg.CheckpointInterval, drained)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited gracefully")
	return nil
}
