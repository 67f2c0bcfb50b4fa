package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernmlops/kerntrace/internal/agent"
	"github.com/kernmlops/kerntrace/internal/migrate"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kerntrace",
		Short: "eBPF kernel event collector for memory and TCP workloads",
		Long: `kerntrace attaches kprobes and tracepoints to the Linux memory
management and TCP stacks, correlates entry and exit firings into
typed events, and writes them to ClickHouse or an HTTP collector.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(
		runCmd(),
		replayCmd(),
		migrateCmd(),
		versionCmd(),
	)

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Attach probes and stream events until interrupted",
		RunE:  run,
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Feed a recorded capture through the configured sinks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			result, err := agent.Replay(ctx, log, cfg, args[0], nil)
			if err != nil {
				return fmt.Errorf("replaying %s: %w", args[0], err)
			}

			fields := logrus.Fields{
				"firings":       result.Firings,
				"decode_errors": result.DecodeErrors,
			}

			for _, f := range probe.AllFamilies() {
				if n := result.Events[f]; n > 0 {
					fields[f.String()] = n
				}
			}

			log.WithFields(fields).Info("Replay summary")

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse kernel_events schema",
	}

	newMigrator := func() (logrus.FieldLogger, migrate.Migrator, error) {
		log, cfg, err := setup()
		if err != nil {
			return nil, nil, err
		}

		if cfg.Sinks.Raw.ClickHouse.Endpoint == "" {
			return nil, nil, fmt.Errorf("sinks.raw.clickhouse.endpoint is required")
		}

		return log, migrate.New(log, migrate.DSN(cfg.Sinks.Raw.ClickHouse)), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up()
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				log, m, err := newMigrator()
				if err != nil {
					return err
				}

				v, dirty, err := m.Status()
				if err != nil {
					return err
				}

				available, err := migrate.Versions()
				if err != nil {
					return err
				}

				log.WithFields(logrus.Fields{
					"version":   v,
					"dirty":     dirty,
					"available": available,
				}).Info("Migration status")

				return nil
			},
		},
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

// setup builds the logger and loads the config. Without --config the
// defaults are used.
func setup() (*logrus.Logger, *agent.Config, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := agent.DefaultConfig()

	if cfgFile != "" {
		loaded, err := agent.LoadConfig(cfgFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}

		cfg = loaded
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
}

func run(cmd *cobra.Command, args []string) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := agent.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting kerntrace agent")

	if err := a.Start(ctx); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error during shutdown")
		}

		return fmt.Errorf("starting agent: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down kerntrace agent")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
