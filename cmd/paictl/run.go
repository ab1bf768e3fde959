package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/pipeline"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/server"
)

// ErrRunFailed is returned when fewer tasks succeeded than the mode requires.
var ErrRunFailed = errors.New("run failed")

type runOptions struct {
	workflow string
	mode     string
	input    string
	executor string
	asJSON   bool
	quiet    bool
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Resolve and run a workflow, printing the Markdown report",
		Long: `Run a workflow in-process. The workflow is resolved from the text unless
--workflow names it directly. The text is also the task input unless --input
is given.`,
		Example: `  paictl run "do research on tidal energy"
  paictl run --workflow research/conduct --mode deep --input "tidal energy"
  paictl run --executor command "do research on grid storage"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" && ro.workflow == "" {
				return fmt.Errorf("give the request text or --workflow")
			}

			_, p, err := opts.buildPipeline(pipeline.Options{ExecutorKind: ro.executor})
			if err != nil {
				return err
			}

			req := router.Request{Text: text, Input: ro.input, Mode: ro.mode, UserID: "paictl"}
			if ro.workflow != "" {
				skillID, workflowID, _ := strings.Cut(ro.workflow, "/")
				req.SkillID, req.WorkflowID = skillID, workflowID
			}

			resp, err := server.NewService(p.Router, nil).Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printRun(cmd, ro, resp)
		},
	}
	cmd.Flags().StringVarP(&ro.workflow, "workflow", "w", "", "Run skill/workflow directly instead of resolving text")
	cmd.Flags().StringVarP(&ro.mode, "mode", "m", "", "Mode name (default: the workflow's default mode)")
	cmd.Flags().StringVarP(&ro.input, "input", "i", "", "Task input (default: the request text)")
	cmd.Flags().StringVar(&ro.executor, "executor", "", "Executor kind: echo, anthropic or command (default from config)")
	cmd.Flags().BoolVar(&ro.asJSON, "json", false, "Print the run record as JSON")
	cmd.Flags().BoolVarP(&ro.quiet, "quiet", "q", false, "Print only the Markdown report")
	return cmd
}

func printRun(cmd *cobra.Command, ro *runOptions, resp *server.RunResponse) error {
	out := cmd.OutOrStdout()
	rec := resp.Record

	switch {
	case ro.asJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	case ro.quiet:
		fmt.Fprint(out, rec.Markdown)
	default:
		symbol, attr := statusColor(rec.Status)
		printStatus(out, symbol, fmt.Sprintf("%s/%s (%s) %s in %dms",
			rec.SkillID, rec.WorkflowID, rec.Mode, rec.Status, rec.DurationMS), attr)
		for _, o := range resp.Outcomes {
			line := fmt.Sprintf("    %-28s %s", o.TaskID, color.New(outcomeColor(o.Status)).Sprint(o.Status))
			if o.ErrorKind != "" {
				line += " (" + o.ErrorKind + ")"
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, rec.Markdown)
	}

	if rec.Status == execution.RunFailed {
		return fmt.Errorf("%w: %s", ErrRunFailed, rec.RunID)
	}
	return nil
}
