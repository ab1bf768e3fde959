// Package synthesis reduces a RunResult into a deterministic, source-attributed report.
package synthesis

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

// Report is the structured result of one run.
type Report struct {
	RunID      string                  `json:"run_id"`
	SkillID    string                  `json:"skill_id"`
	WorkflowID string                  `json:"workflow_id"`
	Mode       string                  `json:"mode"`
	Status     execution.OverallStatus `json:"status"`
	Successes  int                     `json:"successes"`
	Total      int                     `json:"total"`
	Required   int                     `json:"required_successes"`
	Policy     string                  `json:"policy"`
	Sections   []Section               `json:"sections"`
	Combined   string                  `json:"combined"`
	Missing    []MissingSource         `json:"missing,omitempty"`
}

// Section is one source's contribution, in submission order.
type Section struct {
	Source    int    `json:"source"`
	Label     string `json:"label"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Body      string `json:"body,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// MissingSource names a source that did not contribute to the combined body.
type MissingSource struct {
	Source int    `json:"source"`
	Label  string `json:"label"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Synthesizer combines outcomes using a named combination policy.
type Synthesizer struct {
	policies map[string]CombinePolicy
	logger   *zap.Logger
}

// NewSynthesizer creates a Synthesizer with the built-in policies registered.
func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{policies: make(map[string]CombinePolicy), logger: logger}
	s.RegisterPolicy(PolicyConcatenate, ConcatenatePolicy{})
	s.RegisterPolicy(PolicyDedupe, DedupePolicy{})
	return s
}

// RegisterPolicy adds or replaces a combination policy.
func (s *Synthesizer) RegisterPolicy(name string, p CombinePolicy) {
	s.policies[name] = p
}

// HasPolicy reports whether name is registered.
func (s *Synthesizer) HasPolicy(name string) bool {
	if name == "" {
		return true
	}
	_, ok := s.policies[name]
	return ok
}

// Combine reduces result with the default concatenate policy.
func (s *Synthesizer) Combine(result *execution.RunResult) *Report {
	return s.CombineWith(result, PolicyConcatenate)
}

// CombineWith reduces result with the named policy. Unknown names fall back
// to concatenation.
func (s *Synthesizer) CombineWith(result *execution.RunResult, policyName string) *Report {
	if policyName == "" {
		policyName = PolicyConcatenate
	}
	policy, ok := s.policies[policyName]
	if !ok {
		s.logger.Warn("Unknown combine policy, using concatenate", zap.String("policy", policyName))
		policyName = PolicyConcatenate
		policy = s.policies[PolicyConcatenate]
	}

	report := &Report{
		RunID:      result.RunID,
		SkillID:    result.SkillID,
		WorkflowID: result.WorkflowID,
		Mode:       result.Mode,
		Status:     result.Status,
		Successes:  result.Successes(),
		Total:      len(result.Outcomes),
		Required:   result.RequiredSuccesses,
		Policy:     policyName,
		Sections:   make([]Section, 0, len(result.Outcomes)),
	}

	var sources []Source
	for i, o := range result.Outcomes {
		label := SourceLabel(i)
		sec := Section{
			Source:    i + 1,
			Label:     label,
			TaskID:    o.TaskID,
			Status:    o.Status.String(),
			ErrorKind: o.ErrorKind,
			Error:     o.Error,
			ElapsedMS: o.Elapsed.Milliseconds(),
		}
		if o.Status == execution.StatusSuccess {
			sec.Body = o.Result
			sources = append(sources, Source{Number: i + 1, Label: label, Body: o.Result})
		}
		report.Sections = append(report.Sections, sec)
	}

	report.Combined = policy.Combine(sources)

	if result.Status != execution.RunComplete {
		for i, o := range result.Outcomes {
			if o.Status == execution.StatusSuccess {
				continue
			}
			report.Missing = append(report.Missing, MissingSource{
				Source: i + 1,
				Label:  SourceLabel(i),
				TaskID: o.TaskID,
				Status: o.Status.String(),
				Reason: missingReason(o),
			})
		}
	}
	return report
}

// SourceLabel is the stable label for the outcome at submission index i.
func SourceLabel(i int) string {
	return fmt.Sprintf("Source %d", i+1)
}

func missingReason(o execution.TaskOutcome) string {
	switch o.Status {
	case execution.StatusTimedOut:
		if !o.Started {
			return "timed out before starting"
		}
		return "timed out"
	case execution.StatusFailure:
		kind := o.ErrorKind
		if kind == "" {
			kind = execution.KindError
		}
		if msg := strings.TrimSpace(o.Error); msg != "" {
			return fmt.Sprintf("failed (%s): %s", kind, msg)
		}
		return fmt.Sprintf("failed (%s)", kind)
	default:
		return o.Status.String()
	}
}
