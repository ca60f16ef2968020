// Package main provides the scopecraft binary entry point.
// Scopecraft turns meeting transcriptions into project scope documents
// through a guided LLM pipeline and keeps every document versioned.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/c360studio/scopecraft/llm/providers"

	"github.com/spf13/cobra"

	"github.com/c360studio/scopecraft/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "scopecraft"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Turn meeting notes into versioned project scope documents",
		Long: `Scopecraft turns meeting transcriptions into project scope documents.

It provides:
- Analysis of a transcription into project type and clarifying questions
- Follow-up rounds until no critical information is missing
- Scope document generation with a stored version history
- An HTTP API and an MCP server over the same pipeline`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		mcpCmd(opts),
		analyzeCmd(opts),
		generateCmd(opts),
		listCmd(opts),
		showCmd(opts),
		historyCmd(opts),
		restoreCmd(opts),
		diffCmd(opts),
		callsCmd(opts),
		configCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// loadConfig loads layered configuration and applies the --log-level flag.
func (o *globalOptions) loadConfig(stderr io.Writer) (*config.Config, error) {
	boot := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(o.logLevel)}))

	cfg, err := config.NewLoader(boot).Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Merge(&config.Config{Log: config.LogConfig{Level: o.logLevel}})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// open loads configuration, sets up logging and builds the App. Logs go to
// the command's stderr so stdout stays clean for results.
func (o *globalOptions) open(cmd *cobra.Command) (*App, error) {
	cfg, err := o.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	logger, logCloser := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	app, err := NewApp(cmd.Context(), cfg, logger)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}
	if logCloser != nil {
		app.closers = append([]io.Closer{logCloser}, app.closers...)
	}
	return app, nil
}
