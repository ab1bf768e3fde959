// Package skills implements the skill registry: markdown skill files with
// YAML frontmatter declaring natural-language triggers, workflows, and the
// operating modes each workflow can run under.
package skills

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateSkill is returned by Register when the skill id is already present.
	ErrDuplicateSkill = errors.New("duplicate skill")
	// ErrInvalidPolicy marks a ModePolicy that violates its bounds.
	ErrInvalidPolicy = errors.New("invalid mode policy")
)

// ModePolicy controls fan-out and timeouts for one (workflow, mode) pair.
type ModePolicy struct {
	WorkerCount       int           `yaml:"worker_count" json:"worker_count" mapstructure:"worker_count"`
	PerWorkerTimeout  time.Duration `yaml:"per_worker_timeout" json:"per_worker_timeout" mapstructure:"per_worker_timeout"`
	OverallTimeout    time.Duration `yaml:"overall_timeout" json:"overall_timeout" mapstructure:"overall_timeout"`
	RequiredSuccesses int           `yaml:"required_successes" json:"required_successes" mapstructure:"required_successes"`
}

// Normalize fills defaults: RequiredSuccesses falls back to WorkerCount and a
// missing OverallTimeout falls back to PerWorkerTimeout.
func (p ModePolicy) Normalize() ModePolicy {
	if p.RequiredSuccesses == 0 {
		p.RequiredSuccesses = p.WorkerCount
	}
	if p.OverallTimeout == 0 {
		p.OverallTimeout = p.PerWorkerTimeout
	}
	return p
}

// Validate checks the policy bounds.
func (p ModePolicy) Validate() error {
	if p.WorkerCount <= 0 {
		return fmt.Errorf("%w: worker_count must be positive, got %d", ErrInvalidPolicy, p.WorkerCount)
	}
	if p.PerWorkerTimeout <= 0 {
		return fmt.Errorf("%w: per_worker_timeout must be positive", ErrInvalidPolicy)
	}
	if p.OverallTimeout <= 0 {
		return fmt.Errorf("%w: overall_timeout must be positive", ErrInvalidPolicy)
	}
	if p.OverallTimeout < p.PerWorkerTimeout {
		return fmt.Errorf("%w: overall_timeout %s is shorter than per_worker_timeout %s",
			ErrInvalidPolicy, p.OverallTimeout, p.PerWorkerTimeout)
	}
	if p.RequiredSuccesses < 1 || p.RequiredSuccesses > p.WorkerCount {
		return fmt.Errorf("%w: required_successes %d outside [1, %d]",
			ErrInvalidPolicy, p.RequiredSuccesses, p.WorkerCount)
	}
	return nil
}

// WorkflowDescriptor is a named operation within a skill.
type WorkflowDescriptor struct {
	ID          string                `yaml:"id" json:"id"`
	SkillID     string                `yaml:"-" json:"skill_id"`
	Description string                `yaml:"description" json:"description,omitempty"`
	Triggers    []string              `yaml:"triggers" json:"triggers,omitempty"`
	Modes       map[string]ModePolicy `yaml:"modes" json:"modes"`
	DefaultMode string                `yaml:"default_mode" json:"default_mode"`
	// Combine names the synthesis policy for Success payloads (concatenate, dedupe).
	Combine string `yaml:"combine" json:"combine,omitempty"`
	// Angles are per-worker instructions handed out round-robin by the angles task builder.
	Angles []string `yaml:"angles" json:"angles,omitempty"`
}

// Key returns "skill/workflow".
func (w *WorkflowDescriptor) Key() string {
	return w.SkillID + "/" + w.ID
}

// Mode returns the named policy, or the default mode's policy when name is empty.
func (w *WorkflowDescriptor) Mode(name string) (string, ModePolicy, bool) {
	if name == "" {
		name = w.DefaultMode
	}
	p, ok := w.Modes[name]
	return name, p, ok
}

// ModeNames returns mode names sorted for stable output.
func (w *WorkflowDescriptor) ModeNames() []string {
	names := make([]string, 0, len(w.Modes))
	for n := range w.Modes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SkillDescriptor is a registered capability module.
type SkillDescriptor struct {
	ID          string                `yaml:"id" json:"id"`
	Description string                `yaml:"description" json:"description,omitempty"`
	Triggers    []string              `yaml:"triggers" json:"triggers"`
	Workflows   []*WorkflowDescriptor `yaml:"workflows" json:"workflows"`
	Content     string                `yaml:"-" json:"-"` // Markdown body after frontmatter
	SourcePath  string                `yaml:"-" json:"source_path,omitempty"`
	ContentHash string                `yaml:"-" json:"content_hash,omitempty"`
}

// Workflow looks up a workflow by id.
func (s *SkillDescriptor) Workflow(id string) (*WorkflowDescriptor, bool) {
	for _, wf := range s.Workflows {
		if wf.ID == id {
			return wf, true
		}
	}
	return nil, false
}

// Match is one ranked intent match.
type Match struct {
	Skill    *SkillDescriptor
	Workflow *WorkflowDescriptor
	Score    float64
	Trigger  string // trigger phrase that produced the score
	order    int
}

// SkillSummary is a lightweight representation for API responses.
type SkillSummary struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Triggers    []string          `json:"triggers"`
	Workflows   []WorkflowSummary `json:"workflows"`
}

// WorkflowSummary lists a workflow's modes.
type WorkflowSummary struct {
	ID          string   `json:"id"`
	DefaultMode string   `json:"default_mode"`
	Modes       []string `json:"modes"`
}
