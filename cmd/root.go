// Package cmd implements the leech command line.
package cmd

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/leech/internal/config"
	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/internal/repository"
)

type rootOptions struct {
	debug      bool
	configPath string
	logPath    string

	cfg *config.Config
}

// NewRootCommand builds the leech command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "leech",
		Short:         "Download, inspect and verify torrents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default in the XDG config home)")
	flags.StringVar(&opts.logPath, "log", "", "log file (default from the configuration)")

	root.AddCommand(
		newInspectCommand(opts),
		newCheckCommand(opts),
		newGetCommand(opts),
		newStatusCommand(opts),
		newForgetCommand(opts),
	)

	return root
}

func (o *rootOptions) init() error {
	var (
		cfg *config.Config
		err error
	)

	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.GetConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	o.cfg = cfg

	if err := logger.InitLogging(o.debug, cmp.Or(o.logPath, cfg.LogFile)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	return nil
}

func (o *rootOptions) openRepository() (*repository.BboltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(o.cfg.ResumeDB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return repository.NewBboltRepository(o.cfg.ResumeDB)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
