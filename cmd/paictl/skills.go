package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fpr1m3/pai-orchestrator/internal/pipeline"
)

func newSkillsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect installed skills",
	}
	cmd.AddCommand(newSkillsListCmd(opts))
	return cmd
}

func newSkillsListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List skills, their workflows and modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := opts.buildPipeline(pipeline.Options{})
			if err != nil {
				return err
			}
			list := p.Registry.List()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			bold := color.New(color.Bold)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW\tDEFAULT\tMODES")
			for _, s := range list {
				for _, wf := range s.Workflows {
					fmt.Fprintf(tw, "%s\t%s\t%s\n",
						bold.Sprint(s.ID+"/"+wf.ID), wf.DefaultMode, strings.Join(wf.Modes, ", "))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d skills from %s\n", len(list), strings.Join(p.SkillDirs, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
