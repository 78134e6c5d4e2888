/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the LifeOS decision engine. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP server (default)
  ledger    Print (and optionally verify) one user's ledger
  version   Print version information

STARTUP SEQUENCE (serve):
  1. Load config file, environment overrides and flags
  2. Initialize SQLite store
  3. Build ledger sinks (metrics, NATS when configured)
  4. Build guard, intent extractor, LLM client and orchestrator
  5. Configure HTTP router and the expiry sweep
  6. Start server with graceful shutdown

GLOBAL FLAGS:
  --config     YAML config file (optional)
  --log-level  debug, info, warn or error (overrides the config)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep, drain NATS, close the database
  4. Exit

EXAMPLES:
  # Run with defaults and an API key from the environment
  OPENROUTER_API_KEY=sk-... ./server serve

  # Verify a user's ledger offline
  ./server ledger --user u1 --db data/lifeos.db --verify

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - assistant/orchestrator.go: Turn handling
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifeos/decision-engine/api"
	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/config"
	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/intent"
	"github.com/lifeos/decision-engine/llm"
	"github.com/lifeos/decision-engine/notify"
	"github.com/lifeos/decision-engine/store/sqlite"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lifeos"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "LifeOS financial decision engine",
		Long: `The LifeOS decision engine answers one conversational turn at a time.
Deterministic rules own the financial state; the LLM only talks.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), flags)
			},
		},
		ledgerCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func ledgerCmd(flags *globalFlags) *cobra.Command {
	var (
		userID string
		dbPath string
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print a user's ledger as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(*flags)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Database.SQLitePath
			}

			store, err := sqlite.New(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			ledger := finance.NewLedger(store)
			events, err := ledger.Events(cmd.Context(), userID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(events); err != nil {
				return err
			}
			if verify {
				if err := finance.VerifyChain(userID, events); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "ledger for %s verified: %d events\n", userID, len(events))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from config)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify the ledger chain")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// setup loads and validates the configuration and builds the logger.
func setup(flags globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// =============================================================================
// SERVE
// =============================================================================

func serve(ctx context.Context, flags globalFlags) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Ledger sinks
	metrics := api.NewMetrics()
	sinks := []finance.Sink{metrics}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()
		sinks = append(sinks, notify.NewPublisher(nc, cfg.NATS.Subject, logger))
		logger.Info("Publishing ledger events", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	} else {
		sinks = append(sinks, notify.Noop{})
	}

	guard := finance.NewGuard(store,
		finance.WithSinks(sinks...),
		finance.WithConfirmationTTL(cfg.Guard.ConfirmationTTL),
		finance.WithLogger(logger),
	)

	// Intent table
	table := intent.DefaultTable()
	if cfg.Intent.TablePath != "" {
		table, err = intent.LoadTable(cfg.Intent.TablePath)
		if err != nil {
			return fmt.Errorf("load intent table: %w", err)
		}
	}
	extractor := intent.NewExtractor(table, logger)

	orchestrator := assistant.New(store, guard, orchestratorOptions(cfg, extractor, logger)...)

	// HTTP
	handler := api.NewHandler(orchestrator, metrics, logger)
	handler.LLMConfigured = cfg.LLMConfigured()
	server := newHTTPServer(cfg, handler)

	// Expiry sweep
	scheduler := api.NewSweepScheduler(orchestrator, metrics, logger)
	if err := scheduler.Register(cfg.Guard.SweepCron); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Intent.TablePath != "" {
		g.Go(func() error {
			return extractor.Watch(ctx, cfg.Intent.TablePath)
		})
	}

	g.Go(func() error {
		logger.Info("Server starting", "addr", cfg.Server.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// orchestratorOptions wires the configured collaborators into the
// orchestrator. Without an API key no completer is set.
func orchestratorOptions(cfg *config.Config, extractor *intent.Extractor, logger *slog.Logger) []assistant.Option {
	opts := []assistant.Option{
		assistant.WithExtractor(extractor),
		assistant.WithLogger(logger),
		assistant.WithTurnTimeout(cfg.LLM.TurnTimeout),
	}
	if cfg.LLMConfigured() {
		client := llm.NewClient(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout,
			MaxAttempts: cfg.LLM.MaxAttempts,
		}, llm.WithLogger(logger))
		opts = append(opts, assistant.WithCompleter(client))
		logger.Info("LLM configured", "model", client.Model(), "turn_timeout", cfg.LLM.TurnTimeout)
	} else {
		logger.Warn("No LLM API key; non-financial turns get the fallback reply")
	}
	return opts
}

// newHTTPServer leaves every write enough time for a full LLM turn.
func newHTTPServer(cfg *config.Config, h *api.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLM.TurnTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
