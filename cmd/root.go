package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/database"
	"github.com/collidesec/collide/internal/logger"
	"github.com/collidesec/collide/internal/telemetry"
)

var (
	cfg   *config.Config
	log   *logger.Logger
	store *database.Store
	tel   telemetry.Telemetry

	exitCode int
)

// ExitCode returns the process exit code decided by the executed command.
// A detected race exits 2 so scripted pipelines can branch on it.
func ExitCode() int {
	return exitCode
}

var rootCmd = &cobra.Command{
	Use:   "collide [target-url]",
	Short: "Race-condition assessment for transactional HTTP endpoints",
	Long: `Collide - Race Condition Assessment Tool

Dispatches synchronized bursts of transaction requests against an endpoint
you are authorized to test, then verifies through balance snapshots whether
concurrent requests were each committed (a TOCTOU race) or properly
serialized.

USAGE:
  collide https://staging.example.com/api/pay
  collide https://staging.example.com/api/pay --balance-url https://staging.example.com/api/balance
  collide --endpoints-file endpoints.yaml --concurrency 20 --attempts 5 https://staging.example.com/api/pay

EXIT CODES:
  0  run completed, no race detected
  1  configuration or runtime error
  2  race condition detected

All runs are recorded to the configured database (--db-dsn) when one is set,
and the full report can be written to a file with --output.

This tool is for authorized testing of systems you control or have written
permission to assess.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			log.Warnw("Interrupt received, stopping run")
			cancel()
		}()

		return runRace(ctx, args[0])
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tel, err = telemetry.New(cmd.Context(), cfg.Telemetry)
		if err != nil {
			log.Warnw("Telemetry disabled", "error", err)
			tel = telemetry.Noop()
		}

		if cfg.Database.DSN != "" {
			store, err = database.NewStore(cfg.Database, log)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux.
			_ = log.Sync()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to close database: %v\n", err)
			}
		}
		if tel != nil {
			if err := tel.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to shut down telemetry: %v\n", err)
			}
		}
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "COLLIDE_LOG_LEVEL")
	viper.BindEnv("logger.format", "COLLIDE_LOG_FORMAT")

	// Database configuration
	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "database driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string; empty disables persistence")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "COLLIDE_DATABASE_DSN", "DATABASE_URL")

	// Race configuration
	rootCmd.Flags().String("balance-url", "", "balance endpoint for before/after verification")
	rootCmd.Flags().String("auth-token", "", "bearer token sent with every request")
	rootCmd.Flags().Float64("amount", 100, "transaction amount per request")
	rootCmd.Flags().IntP("concurrency", "c", 10, "simultaneous requests per attempt")
	rootCmd.Flags().IntP("attempts", "a", 3, "number of synchronized attempts")
	rootCmd.Flags().Duration("timeout", 10*time.Second, "per-request timeout")
	rootCmd.Flags().Duration("jitter", 0, "max random delay before each worker reports ready")
	rootCmd.Flags().String("proxy", "", "single proxy URL (http, https, socks5)")
	rootCmd.Flags().String("proxy-file", "", "file with one proxy URL per line, rotated per request")
	rootCmd.Flags().String("endpoints-file", "", "YAML file describing multiple endpoints to race together")
	rootCmd.Flags().Int("max-retries", 3, "retry budget for 429 responses")
	rootCmd.Flags().Duration("retry-backoff", 250*time.Millisecond, "base backoff after a 429, doubled per retry")
	rootCmd.Flags().Bool("disable-keep-alives", false, "open a fresh connection per request")
	rootCmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	rootCmd.Flags().Bool("verify-balance", false, "require a balance endpoint so verdicts can be ledger-confirmed")
	rootCmd.Flags().Duration("settle-delay", 100*time.Millisecond, "pause between all-ready and barrier release")
	rootCmd.Flags().Duration("attempt-delay", 500*time.Millisecond, "pause between attempts")
	rootCmd.Flags().Duration("balance-settle", time.Second, "pause before the after-snapshot")
	rootCmd.Flags().StringP("output", "o", "", "write the full JSON report to this file")

	viper.BindPFlag("race.balance_url", rootCmd.Flags().Lookup("balance-url"))
	viper.BindPFlag("race.auth_token", rootCmd.Flags().Lookup("auth-token"))
	viper.BindPFlag("race.amount", rootCmd.Flags().Lookup("amount"))
	viper.BindPFlag("race.concurrency", rootCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("race.attempts", rootCmd.Flags().Lookup("attempts"))
	viper.BindPFlag("race.timeout", rootCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("race.jitter_max", rootCmd.Flags().Lookup("jitter"))
	viper.BindPFlag("race.proxy", rootCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("race.proxy_file", rootCmd.Flags().Lookup("proxy-file"))
	viper.BindPFlag("race.endpoints_file", rootCmd.Flags().Lookup("endpoints-file"))
	viper.BindPFlag("race.max_retries", rootCmd.Flags().Lookup("max-retries"))
	viper.BindPFlag("race.retry_backoff", rootCmd.Flags().Lookup("retry-backoff"))
	viper.BindPFlag("race.disable_keep_alives", rootCmd.Flags().Lookup("disable-keep-alives"))
	viper.BindPFlag("race.insecure_tls", rootCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("race.verify_balance", rootCmd.Flags().Lookup("verify-balance"))
	viper.BindPFlag("race.settle_delay", rootCmd.Flags().Lookup("settle-delay"))
	viper.BindPFlag("race.attempt_delay", rootCmd.Flags().Lookup("attempt-delay"))
	viper.BindPFlag("race.balance_settle", rootCmd.Flags().Lookup("balance-settle"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindEnv("race.auth_token", "COLLIDE_AUTH_TOKEN")
	viper.BindEnv("race.proxy", "COLLIDE_PROXY", "HTTPS_PROXY")

	// Telemetry (environment and defaults only, no flags)
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "collide")
	viper.SetDefault("telemetry.exporter_type", "otlp")
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.sample_rate", 1.0)
	viper.BindEnv("telemetry.enabled", "COLLIDE_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "COLLIDE_TELEMETRY_ENDPOINT")

	viper.SetDefault("logger.output_paths", []string{"stderr"})
}

func initConfig() error {
	// No YAML config files - flags and environment only.
	viper.AutomaticEnv()
	viper.SetEnvPrefix("COLLIDE")

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	return nil
}
