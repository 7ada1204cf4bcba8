// recalld is the adaptive memory engine daemon: it ingests agent events,
// decides what to remember, and serves ranked retrieval over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recalld/internal/api"
	"recalld/internal/auth"
	"recalld/internal/config"
	"recalld/internal/embedding"
	"recalld/internal/encoder"
	"recalld/internal/engine"
	"recalld/internal/logging"
	"recalld/internal/quota"
	"recalld/internal/store"
)

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "recalld - adaptive memory engine for AI agents",
	Long: `recalld ingests raw agent events, encodes them into structured
memories, learns which ones matter from retrieval feedback, and serves
ranked recall over a multi-tenant HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory engine HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

var (
	tokenScopes []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [account-key]",
	Short: "Issue a signed bearer token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewManager(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		verifier, err := auth.NewVerifier(st.DB(), cfg.Auth, logger)
		if err != nil {
			return err
		}
		token, err := verifier.IssueToken(args[0], tokenScopes, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage opaque API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create [account-key]",
	Short: "Create an API key for an account (printed once, stored hashed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewManager(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		verifier, err := auth.NewVerifier(st.DB(), cfg.Auth, logger)
		if err != nil {
			return err
		}
		key, err := verifier.CreateAPIKey(cmd.Context(), args[0], tokenScopes)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke [key]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewManager(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		verifier, err := auth.NewVerifier(st.DB(), cfg.Auth, logger)
		if err != nil {
			return err
		}
		return verifier.RevokeAPIKey(cmd.Context(), args[0])
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewManager(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to build embedding provider: %w", err)
	}
	enc := encoder.New(embedder, nil, logger)

	eng, err := engine.New(cfg, embedder, enc, st, logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	eng.Start(ctx)
	defer eng.Stop()

	qm, err := quota.New(st.DB(), cfg.Quota, logger)
	if err != nil {
		return fmt.Errorf("failed to build quota manager: %w", err)
	}

	verifier, err := auth.NewVerifier(st.DB(), cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("failed to build auth verifier: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(cfg, eng, st, qm, verifier, logger).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Periodic maintenance: persist the vector index and drop stale
	// idempotency reservations.
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				eng.FlushIndex()
				return nil
			case <-ticker.C:
				eng.FlushIndex()
				if n, err := qm.PruneReservations(gctx, 24*time.Hour); err == nil && n > 0 {
					logger.Debug("pruned idempotency reservations", zap.Int64("count", n))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scopes", nil, "scopes granted to the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	apikeyCreateCmd.Flags().StringSliceVar(&tokenScopes, "scopes", nil, "scopes granted to the key")

	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)
	rootCmd.AddCommand(serveCmd, versionCmd, tokenCmd, apikeyCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("RECALLD_CONFIG"); v != "" {
		return v
	}
	return "recalld.yaml"
}
