package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/app"
	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/update"
	"github.com/AerNos/firefrp-server/internal/version"
)

type options struct {
	rootDir  string
	logLevel string
	update   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "firefrp-server",
		Short: "FireFrp server — tunnel control plane for game servers",
		Long: `FireFrp server manages short-lived authenticated TCP tunnels on top of
a supervised frps daemon. Players request access keys through a group
chat bot; the server validates client logins, allocates public ports,
and tears tunnels down when keys expire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&opts.rootDir, "root", envOrDefault("FIREFRP_ROOT", "."), "Directory holding config.json, data/ and bin/")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("FIREFRP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.Flags().BoolVar(&opts.update, "update", false, "Check for an update, install it if available, and exit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.Get()
			fmt.Printf("firefrp-server %s (commit: %s, built: %s, %s)\n",
				v.Version, v.GitCommit, v.BuildDate, v.GoVersion)
		},
	}
}

func run(ctx context.Context, opts *options) error {
	logger, err := buildLogger(opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if opts.update {
		return runUpdate(ctx, opts, logger)
	}

	logger.Info("starting firefrp server",
		zap.String("version", version.Version),
		zap.String("root", opts.rootDir),
		zap.String("log_level", opts.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	a, err := app.New(app.Options{RootDir: opts.rootDir, Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("firefrp server stopped")
	return nil
}

// runUpdate performs one update check outside the server lifecycle, with
// progress on stdout. A successful install exits 0 so whatever supervises
// the service can restart it on the new binary.
func runUpdate(ctx context.Context, opts *options, logger *zap.Logger) error {
	cfg, err := config.Load(filepath.Join(opts.rootDir, "config.json"), logger)
	if err != nil {
		return err
	}
	u := update.New(update.Options{
		Config:  cfg,
		DataDir: filepath.Join(opts.rootDir, "data"),
		Logger:  logger,
	})
	if _, err := u.Run(ctx, func(text string) { fmt.Println(text) }); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
