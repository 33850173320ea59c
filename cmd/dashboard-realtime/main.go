package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dashboard-realtime/internal/config"
	"github.com/ehr/dashboard-realtime/internal/domain/alert"
	"github.com/ehr/dashboard-realtime/internal/domain/rules"
	"github.com/ehr/dashboard-realtime/internal/platform/clock"
	"github.com/ehr/dashboard-realtime/internal/platform/db"
	"github.com/ehr/dashboard-realtime/internal/realtime"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dashboard-realtime",
		Short:         "Realtime update layer for the patient dashboard",
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("env-file", ".env", "environment file to read before the process environment")

	root.AddCommand(serveCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(alertsCmd())
	root.AddCommand(migrateCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime session and the UI gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, err := realtime.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			logger.Info().
				Str("port", cfg.Port).
				Str("credential_source", cfg.CredentialSource).
				Str("pattern_source", cfg.PatternSource).
				Bool("demo_mode", cfg.DemoMode).
				Msg("dashboard realtime starting")

			if err := session.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("session stopped")
				return err
			}
			logger.Info().Msg("dashboard realtime stopped")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// rules
// ---------------------------------------------------------------------------

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with the alert pattern catalog",
	}

	evaluate := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a pattern catalog against one document",
		RunE: func(cmd *cobra.Command, args []string) error {
			patternsPath, _ := cmd.Flags().GetString("patterns")
			documentPath, _ := cmd.Flags().GetString("document")
			return evaluateDocument(cmd.Context(), cmd.OutOrStdout(), patternsPath, documentPath, clock.Real())
		},
	}
	evaluate.Flags().String("patterns", "", "pattern catalog YAML file")
	evaluate.Flags().String("document", "", "document JSON file")
	evaluate.MarkFlagRequired("patterns")
	evaluate.MarkFlagRequired("document")

	cmd.AddCommand(evaluate)
	return cmd
}

type evaluation struct {
	DocumentID string        `json:"document_id"`
	Alerts     []alert.Alert `json:"alerts"`
	Errors     []string      `json:"errors,omitempty"`
}

func evaluateDocument(ctx context.Context, out io.Writer, patternsPath, documentPath string, clk clock.Clock) error {
	if ctx == nil {
		ctx = context.Background()
	}
	patterns, err := rules.NewPatternRepoFile(patternsPath).List(ctx)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(documentPath)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	doc, err := rules.ParseDocument(raw)
	if err != nil {
		return err
	}

	generated, errs := rules.NewEngine(clk, zerolog.Nop()).Evaluate(doc, patterns)
	result := evaluation{DocumentID: doc.ID, Alerts: generated}
	if result.Alerts == nil {
		result.Alerts = []alert.Alert{}
	}
	for _, e := range errs {
		result.Errors = append(result.Errors, e.Error())
	}
	return writeJSON(out, result)
}

// ---------------------------------------------------------------------------
// alerts
// ---------------------------------------------------------------------------

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Query the alerts API",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts from the alerts API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.APIBaseURL == "" {
				return fmt.Errorf("API_BASE_URL is required")
			}
			q := alert.Query{}
			q.PatientID, _ = cmd.Flags().GetString("patient-id")
			q.Type, _ = cmd.Flags().GetString("type")
			severity, _ := cmd.Flags().GetString("severity")
			status, _ := cmd.Flags().GetString("status")
			q.Severity = alert.Severity(severity)
			q.Status = alert.Status(status)

			client := alert.NewClient(alert.ClientConfig{
				BaseURL:    cfg.APIBaseURL,
				Token:      func() string { return cfg.CredentialToken },
				Timeout:    cfg.APITimeout,
				RetryCount: cfg.APIRetryCount,
			}, zerolog.Nop())

			resp, err := client.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	list.Flags().String("patient-id", "", "only alerts for this patient")
	list.Flags().String("type", "", "only alerts of this type")
	list.Flags().String("severity", "", "only alerts of this severity")
	list.Flags().String("status", "", "only alerts in this status")

	cmd.AddCommand(list)
	return cmd
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres pattern catalog schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), statuses)
			})
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2}, newLogger(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, rules.Migrations, "migrations"))
}
