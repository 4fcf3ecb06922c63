// Package cli implements the docsync command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forkful/docsync/pkg/logger"
)

type options struct {
	configPath string
	output     string
	verbose    bool

	cfg *Config
	log logger.Logger
	// closeLog releases the log file, if any.
	closeLog func() error
}

// NewRootCommand builds the docsync command tree.
func NewRootCommand(version string) *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "docsync",
		Short: "Local-first document sync",
		Long: `docsync keeps an identity and its groups in sync with a relay.

Every identity is rooted at one document id. "docsync init" creates one,
"docsync join <id>" adopts an existing one on another device.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if o.closeLog != nil {
				return o.closeLog()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "config file (default ~/.docsync/config.yaml)")
	flags.StringVarP(&o.output, "output", "o", "text", "output format: text, json or yaml")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newIDCommand(o),
		newInitCommand(o),
		newJoinCommand(o),
		newStatusCommand(o),
		newGroupsCommand(o),
		newGroupCommand(o),
		newEntityCommand(o),
		newRelayCommand(o),
	)
	return root
}

func (o *options) load(stderr io.Writer) error {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	o.cfg = cfg

	level := cfg.Log.Level
	if o.verbose {
		level = "debug"
	}
	b := logger.NewBuilder().FromBuffer(stderr).Level(level).Pretty(cfg.Log.Pretty)
	if cfg.Log.File != "" {
		b = b.FromPath(cfg.Log.File)
	}
	out, err := b.Make()
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	o.log = out.Logger
	if out.File != nil {
		o.closeLog = out.File.Close
	}
	return nil
}

// Execute runs the docsync command and returns the process exit code.
func Execute(ctx context.Context, version string) int {
	root := NewRootCommand(version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
