package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/config"
	"github.com/fpr1m3/pai-orchestrator/internal/pipeline"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	skillDirs  []string
	logLevel   string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "paictl",
		Short: "Route requests to skill workflows and run them locally",
		Long: `paictl loads the same skills and configuration as the orchestrator service
and runs the routing pipeline in-process.

Use it to check which workflow a request resolves to, to list the installed
skills, or to run a workflow end to end and print the Markdown report.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.Path(), "Path to orchestrator.yaml")
	cmd.PersistentFlags().StringSliceVar(&opts.skillDirs, "skills-dir", nil, "Skill directory (repeatable, overrides skills.dirs)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for pipeline diagnostics")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newSkillsCmd(opts))
	cmd.AddCommand(newRouteCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// load reads configuration and applies flag overrides.
func (o *globalOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if len(o.skillDirs) > 0 {
		cfg.Skills.Dirs = o.skillDirs
	}
	cfg.Logging.Level = o.logLevel
	cfg.Logging.Format = "console"
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	return cfg, logger, nil
}

// buildPipeline loads configuration and assembles the routing pipeline.
func (o *globalOptions) buildPipeline(popts pipeline.Options) (*config.Config, *pipeline.Pipeline, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.Build(cfg, logger, popts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}
