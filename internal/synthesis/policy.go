package synthesis

import (
	"fmt"
	"strings"

	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

// Built-in combination policies.
const (
	PolicyConcatenate = "concatenate"
	PolicyDedupe      = "dedupe"
)

// Source is a successful payload with its stable attribution.
type Source struct {
	Number int
	Label  string
	Body   string
}

// CombinePolicy merges successful payloads into one body. Implementations
// must keep every source attributed and in the given order.
type CombinePolicy interface {
	Combine(sources []Source) string
}

// ConcatenatePolicy joins payloads under per-source headings.
type ConcatenatePolicy struct{}

// Combine implements CombinePolicy.
func (ConcatenatePolicy) Combine(sources []Source) string {
	var b strings.Builder
	for i, src := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n\n%s", src.Label, strings.TrimSpace(src.Body))
	}
	return b.String()
}

// DedupePolicy concatenates like ConcatenatePolicy but replaces a paragraph
// already contributed by an earlier source with a back-reference.
type DedupePolicy struct{}

// Combine implements CombinePolicy.
func (DedupePolicy) Combine(sources []Source) string {
	firstSeen := make(map[string]string)
	var b strings.Builder
	for i, src := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s", src.Label)
		for _, para := range splitParagraphs(src.Body) {
			key := skills.Normalize(para)
			b.WriteString("\n\n")
			if key == "" {
				b.WriteString(para)
				continue
			}
			if owner, dup := firstSeen[key]; dup {
				fmt.Fprintf(&b, "_(same as %s)_", owner)
				continue
			}
			firstSeen[key] = src.Label
			b.WriteString(para)
		}
	}
	return b.String()
}

func splitParagraphs(body string) []string {
	body = strings.ReplaceAll(strings.TrimSpace(body), "\r\n", "\n")
	if body == "" {
		return nil
	}
	raw := strings.Split(body, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
