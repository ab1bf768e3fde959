package skills

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds skill and workflow metadata. Registration is expected once
// at startup; lookups are safe for concurrent use afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  []*entry
	byID     map[string]*entry
	scorer   Scorer
	minScore float64
	logger   *zap.Logger
}

type entry struct {
	skill     *SkillDescriptor
	workflows []workflowEntry
}

type workflowEntry struct {
	wf *WorkflowDescriptor
	// normalized triggers that address this workflow
	triggers []string
	raw      []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithScorer sets the trigger scoring strategy.
func WithScorer(s Scorer) Option {
	return func(r *Registry) {
		if s != nil {
			r.scorer = s
		}
	}
}

// WithMinScore sets the minimum score a match needs to be returned.
func WithMinScore(min float64) Option {
	return func(r *Registry) { r.minScore = min }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a new empty skill registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID:     make(map[string]*entry),
		scorer:   NewFuzzyScorer(),
		minScore: 0.5,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a skill. It fails with ErrDuplicateSkill when the id is
// already registered.
func (r *Registry) Register(skill *SkillDescriptor) error {
	if skill == nil {
		return fmt.Errorf("nil skill")
	}
	if err := ValidateSkill(skill); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[skill.ID]; ok {
		return fmt.Errorf("%w: %s (already loaded from %s)", ErrDuplicateSkill, skill.ID, existing.skill.SourcePath)
	}

	e := &entry{skill: skill}
	for i, wf := range skill.Workflows {
		we := workflowEntry{wf: wf}
		raw := append([]string{}, wf.Triggers...)
		// Skill-level triggers address the default (first) workflow.
		if i == 0 {
			raw = append(raw, skill.Triggers...)
		}
		for _, t := range raw {
			if n := Normalize(t); n != "" {
				we.triggers = append(we.triggers, n)
				we.raw = append(we.raw, t)
			}
		}
		e.workflows = append(e.workflows, we)
	}

	r.entries = append(r.entries, e)
	r.byID[skill.ID] = e

	r.logger.Debug("Skill registered",
		zap.String("skill_id", skill.ID),
		zap.Int("workflows", len(skill.Workflows)),
		zap.String("source", skill.SourcePath),
	)
	return nil
}

// LoadDirectory scans a directory recursively for *.md skill files and
// registers them in lexical path order.
func (r *Registry) LoadDirectory(root string) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			// Directory doesn't exist, skip silently (common for optional overlays)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", root)
	}

	loaded := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" || d.Name() == "README.md" {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			return err
		}
		loaded++
		return nil
	})
	return loaded, err
}

// LoadDirectories loads every directory in order; missing ones are skipped.
func (r *Registry) LoadDirectories(dirs []string) (int, error) {
	total := 0
	for _, dir := range dirs {
		n, err := r.LoadDirectory(dir)
		if err != nil {
			return total, err
		}
		if n > 0 {
			r.logger.Info("Loaded skills", zap.String("dir", dir), zap.Int("count", n))
		}
		total += n
	}
	return total, nil
}

func (r *Registry) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read skill file %s: %w", path, err)
	}
	skill, err := LoadSkill(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to parse skill from %s: %w", path, err)
	}
	skill.SourcePath = path
	skill.ContentHash = CalculateContentHash(content)
	return r.Register(skill)
}

// SetMinScore replaces the minimum match score.
func (r *Registry) SetMinScore(min float64) {
	r.mu.Lock()
	r.minScore = min
	r.mu.Unlock()
}

// MinScore returns the current minimum match score.
func (r *Registry) MinScore() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minScore
}

// FindByIntent scores every trigger against text and returns matches at or
// above the minimum score, best first. Ties keep registration order.
func (r *Registry) FindByIntent(text string) []Match {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	order := 0
	for _, e := range r.entries {
		for _, we := range e.workflows {
			best, bestTrigger := 0.0, ""
			for i, t := range we.triggers {
				if s := r.scorer.Score(normalized, t); s > best {
					best, bestTrigger = s, we.raw[i]
				}
			}
			if bestTrigger != "" && best >= r.minScore {
				matches = append(matches, Match{
					Skill:    e.skill,
					Workflow: we.wf,
					Score:    best,
					Trigger:  bestTrigger,
					order:    order,
				})
			}
			order++
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].order < matches[j].order
	})
	return matches
}

// Get retrieves a skill by id.
func (r *Registry) Get(id string) (*SkillDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.skill, true
}

// Workflow looks up a workflow by "skill/workflow" key, or by bare skill id
// for the skill's default workflow.
func (r *Registry) Workflow(key string) (*WorkflowDescriptor, bool) {
	skillID, wfID, hasWF := strings.Cut(key, "/")
	skill, ok := r.Get(skillID)
	if !ok {
		return nil, false
	}
	if !hasWF || wfID == "" {
		return skill.Workflows[0], true
	}
	return skill.Workflow(wfID)
}

// List returns summaries in registration order.
func (r *Registry) List() []SkillSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SkillSummary, 0, len(r.entries))
	for _, e := range r.entries {
		s := SkillSummary{
			ID:          e.skill.ID,
			Description: e.skill.Description,
			Triggers:    e.skill.Triggers,
		}
		for _, wf := range e.skill.Workflows {
			s.Workflows = append(s.Workflows, WorkflowSummary{
				ID:          wf.ID,
				DefaultMode: wf.DefaultMode,
				Modes:       wf.ModeNames(),
			})
		}
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
