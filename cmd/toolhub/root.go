package main

import (
	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootFlags struct {
	configPath string
	logFile    string
	debug      bool

	cfg    *config.Config
	level  zap.AtomicLevel
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}

	cmd := &cobra.Command{
		Use:   "toolhub",
		Short: "toolhub - tool hub and agent loop for browser extensions",
		Long: `toolhub lets extensions register tools, runs prompts against a model
provider that can call them, and asks the user before any tool runs.`,
		Example: `  toolhub serve --listen 127.0.0.1:7777
  toolhub stdio
  toolhub chat "summarize README.md"`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if flags.logger != nil {
				// Syncing stderr fails on some platforms; there is nothing to do about it.
				_ = flags.logger.Sync()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a config file (default: ~/.toolhub/config.yaml and ./.toolhub/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newStdioCmd(flags))
	cmd.AddCommand(newChatCmd(flags))
	cmd.AddCommand(newPermissionsCmd(flags))

	return cmd
}

func (f *rootFlags) setup() error {
	var err error
	if f.configPath != "" {
		f.cfg, err = config.LoadFile(f.configPath)
	} else {
		f.cfg, err = config.LoadConfig()
	}
	if err != nil {
		return err
	}

	if f.debug {
		f.level.SetLevel(zapcore.DebugLevel)
	}
	f.logger, err = newLogger(f.level, f.logFile)
	return err
}

// newLogger builds a JSON logger writing to stderr, or to path when set.
// Stdout is left alone because the stdio transport owns it.
func newLogger(level zap.AtomicLevel, path string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	if path != "" {
		zc.OutputPaths = []string{path}
	}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build logger")
	}
	return logger, nil
}
