package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"frontdoor/internal/app"
	"frontdoor/internal/config"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type options struct {
	configFile string
	logLevel   string
	noReload   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "frontdoor",
		Short:         "Health-aware load balancer and autoscaler for stateless HTTP replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd, opts.logLevel)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/frontdoor.yaml", "config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the frontdoor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().BoolVar(&opts.noReload, "no-reload", false, "do not watch the config file for changes")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}

	env := &cobra.Command{
		Use:   "env",
		Short: "List the supported environment overrides",
		Run: func(cmd *cobra.Command, args []string) {
			for _, example := range config.EnvExample() {
				fmt.Fprintln(cmd.OutOrStdout(), example)
			}
		},
	}

	root.AddCommand(serve, validate, env)
	return root
}

func setupLogging(cmd *cobra.Command, level string) error {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: lvl,
	})))
	return nil
}

func runServe(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	builder := app.NewBuilder(cfg, slog.Default())
	if !opts.noReload {
		builder = builder.WithConfigPath(opts.configFile)
	}
	server, err := builder.Build(ctx)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return err
	}

	if err := server.Run(ctx); err != nil {
		slog.Error("server stopped with error", "error", err)
		return err
	}
	return nil
}

func runValidate(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "invalid configuration: %v\n", err)
		return err
	}
	out := cmd.OutOrStdout()
	for _, warning := range config.Warnings(cfg) {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
	fmt.Fprintf(out, "%s: ok\n", opts.configFile)
	return nil
}
