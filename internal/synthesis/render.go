package synthesis

import (
	"fmt"
	"strings"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

// Render formats a Report as Markdown. The output depends only on the Report.
func Render(r *Report) string {
	var b strings.Builder

	title := r.SkillID
	if r.WorkflowID != "" {
		title += " / " + r.WorkflowID
	}
	if r.Mode != "" {
		title += " (" + r.Mode + ")"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Status:** %s (%d/%d sources succeeded, %d required)\n",
		r.Status, r.Successes, r.Total, r.Required)

	if len(r.Missing) > 0 {
		b.WriteString("\n## Missing sources\n\n")
		for _, m := range r.Missing {
			fmt.Fprintf(&b, "- %s (`%s`): %s\n", m.Label, m.TaskID, m.Reason)
		}
	}

	b.WriteString("\n## Combined\n\n")
	if strings.TrimSpace(r.Combined) == "" {
		b.WriteString("_No source produced a result._\n")
	} else {
		b.WriteString(r.Combined)
		b.WriteString("\n")
	}

	b.WriteString("\n## Sources\n")
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "\n### %s [%s]\n\n", s.Label, s.Status)
		switch {
		case s.Status == execution.StatusSuccess.String():
			b.WriteString(strings.TrimSpace(s.Body))
			b.WriteString("\n")
		case s.Error != "":
			fmt.Fprintf(&b, "_%s_\n", strings.TrimSpace(s.Error))
		default:
			b.WriteString("_No result._\n")
		}
	}
	return b.String()
}
