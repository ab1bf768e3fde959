package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fpr1m3/pai-orchestrator/internal/pipeline"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
)

func newRouteCmd(opts *globalOptions) *cobra.Command {
	var showAll bool
	cmd := &cobra.Command{
		Use:   "route <text>",
		Short: "Show which workflow a request resolves to",
		Long: `Resolve a request against the installed skill triggers without running it.

Exits non-zero when nothing matches or when the request is ambiguous.`,
		Example: `  paictl route "do research on tidal energy"
  paictl route --all "summarize this"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := opts.buildPipeline(pipeline.Options{})
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if showAll {
				matches := p.Registry.FindByIntent(text)
				for _, m := range matches {
					fmt.Fprintf(out, "  %.2f  %-32s %q\n", m.Score, m.Workflow.Key(), m.Trigger)
				}
				if len(matches) == 0 {
					fmt.Fprintln(out, "  (no trigger scored above the minimum)")
				}
				fmt.Fprintln(out)
			}

			wf, err := p.Router.Resolve(text)
			var ambiguous *router.AmbiguousIntentError
			switch {
			case errors.As(err, &ambiguous):
				printStatus(out, "?", "Ambiguous request, candidates:", color.FgYellow)
				for _, c := range ambiguous.Candidates {
					fmt.Fprintf(out, "    %s (%.2f via %q)\n", c.Workflow.Key(), c.Score, c.Trigger)
				}
				return err
			case errors.Is(err, router.ErrNoMatch):
				printStatus(out, "✗", fmt.Sprintf("No workflow matches %q", text), color.FgRed)
				return err
			case err != nil:
				return err
			}

			printStatus(out, "✓", wf.Key(), color.FgGreen)
			fmt.Fprintf(out, "    default mode: %s\n    modes: %s\n", wf.DefaultMode, strings.Join(wf.ModeNames(), ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showAll, "all", false, "Also print every scored trigger match")
	return cmd
}
