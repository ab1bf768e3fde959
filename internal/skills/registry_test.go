package skills

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newSkill(id string, triggers []string, workflows ...*WorkflowDescriptor) *SkillDescriptor {
	if len(workflows) == 0 {
		workflows = []*WorkflowDescriptor{newWorkflow("default")}
	}
	return &SkillDescriptor{ID: id, Triggers: triggers, Workflows: workflows}
}

func newWorkflow(id string, triggers ...string) *WorkflowDescriptor {
	return &WorkflowDescriptor{
		ID:          id,
		Triggers:    triggers,
		DefaultMode: "quick",
		Modes: map[string]ModePolicy{
			"quick": {WorkerCount: 3, PerWorkerTimeout: 2 * time.Minute, OverallTimeout: 150 * time.Second},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if r.Count() != 0 {
		t.Errorf("New registry should be empty, got count %d", r.Count())
	}
	if got := r.FindByIntent("anything"); len(got) != 0 {
		t.Errorf("Expected no matches on empty registry, got %d", len(got))
	}
}

func TestRegistryRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newSkill("research", []string{"research"})); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register(newSkill("research", []string{"other"}))
	if !errors.Is(err, ErrDuplicateSkill) {
		t.Fatalf("Expected ErrDuplicateSkill, got %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 skill after duplicate, got %d", r.Count())
	}
}

func TestRegistryFindByIntent_ExactBeatsFuzzy(t *testing.T) {
	r := NewRegistry(WithMinScore(0.3))
	_ = r.Register(newSkill("research", []string{"do research"}))
	_ = r.Register(newSkill("researcher", []string{"researcher notes"}))

	matches := r.FindByIntent("Please do research on Go schedulers")
	if len(matches) == 0 {
		t.Fatal("Expected matches")
	}
	if matches[0].Skill.ID != "research" || matches[0].Score != 1.0 {
		t.Errorf("Expected exact match first with score 1.0, got %s %.2f", matches[0].Skill.ID, matches[0].Score)
	}
	for _, m := range matches[1:] {
		if m.Score >= 1.0 {
			t.Errorf("Fuzzy match %s should score below 1.0, got %.2f", m.Skill.ID, m.Score)
		}
	}
}

func TestRegistryFindByIntent_TiesKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newSkill("first", []string{"write report"}))
	_ = r.Register(newSkill("second", []string{"write report"}))
	_ = r.Register(newSkill("third", []string{"write report"}))

	matches := r.FindByIntent("write report for Q3")
	if len(matches) != 3 {
		t.Fatalf("Expected 3 matches, got %d", len(matches))
	}
	for i, want := range []string{"first", "second", "third"} {
		if matches[i].Skill.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, matches[i].Skill.ID)
		}
	}
}

func TestRegistryFindByIntent_BelowThreshold(t *testing.T) {
	r := NewRegistry(WithScorer(ContainmentScorer{}), WithMinScore(0.5))
	_ = r.Register(newSkill("research", []string{"do research"}))

	if got := r.FindByIntent("bake a cake"); len(got) != 0 {
		t.Errorf("Expected empty result, got %d matches", len(got))
	}
	if got := r.FindByIntent(""); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
}

func TestRegistryFindByIntent_WorkflowTriggers(t *testing.T) {
	r := NewRegistry(WithScorer(ContainmentScorer{}))
	_ = r.Register(newSkill("research", []string{"research"},
		newWorkflow("conduct"),
		newWorkflow("summarize", "summarize findings"),
	))

	matches := r.FindByIntent("summarize findings")
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(matches))
	}
	if matches[0].Workflow.ID != "summarize" {
		t.Errorf("Expected summarize workflow, got %s", matches[0].Workflow.ID)
	}

	matches = r.FindByIntent("research quantum computing")
	if len(matches) != 1 || matches[0].Workflow.ID != "conduct" {
		t.Fatalf("Expected skill trigger to address the default workflow, got %+v", matches)
	}
	if matches[0].Trigger != "research" {
		t.Errorf("Expected trigger 'research', got %q", matches[0].Trigger)
	}
}

func TestRegistryWorkflowLookup(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newSkill("research", nil, newWorkflow("conduct"), newWorkflow("summarize")))

	wf, ok := r.Workflow("research/summarize")
	if !ok || wf.ID != "summarize" {
		t.Fatalf("Expected summarize, got %v %v", wf, ok)
	}
	wf, ok = r.Workflow("research")
	if !ok || wf.ID != "conduct" {
		t.Fatalf("Expected default workflow conduct, got %v %v", wf, ok)
	}
	if _, ok := r.Workflow("research/missing"); ok {
		t.Error("Expected missing workflow lookup to fail")
	}
	if _, ok := r.Workflow("nope/conduct"); ok {
		t.Error("Expected missing skill lookup to fail")
	}
}

func TestRegistryLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	skillA := `---
id: alpha
triggers: [alpha]
workflows:
  - id: run
    modes:
      quick: {worker_count: 1, per_worker_timeout: 1m}
---

Alpha body.
`
	skillB := `---
id: beta
triggers: [beta]
workflows:
  - id: run
    modes:
      quick: {worker_count: 2, per_worker_timeout: 1m}
---

Beta body.
`
	if err := os.WriteFile(filepath.Join(tmpDir, "a.md"), []byte(skillA), 0644); err != nil {
		t.Fatalf("Failed to write skill: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, "nested"), 0755); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "nested", "b.md"), []byte(skillB), 0644); err != nil {
		t.Fatalf("Failed to write skill: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# not a skill"), 0644); err != nil {
		t.Fatalf("Failed to write README: %v", err)
	}

	r := NewRegistry()
	n, err := r.LoadDirectories([]string{filepath.Join(tmpDir, "missing"), tmpDir})
	if err != nil {
		t.Fatalf("LoadDirectories failed: %v", err)
	}
	if n != 2 || r.Count() != 2 {
		t.Fatalf("Expected 2 skills, got n=%d count=%d", n, r.Count())
	}

	list := r.List()
	if list[0].ID != "alpha" || list[1].ID != "beta" {
		t.Errorf("Expected lexical load order alpha, beta; got %s, %s", list[0].ID, list[1].ID)
	}
	s, _ := r.Get("beta")
	if s.ContentHash == "" || s.SourcePath == "" {
		t.Error("Expected source path and content hash to be recorded")
	}

	// Loading the same tree again must surface duplicates.
	if _, err := r.LoadDirectory(tmpDir); !errors.Is(err, ErrDuplicateSkill) {
		t.Errorf("Expected ErrDuplicateSkill on reload, got %v", err)
	}
}

func TestRegistryConcurrentLookups(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newSkill("research", []string{"do research"}))
	_ = r.Register(newSkill("writing", []string{"write essay"}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if m := r.FindByIntent("do research now"); len(m) == 0 {
					t.Error("Expected a match")
					return
				}
			}
		}()
	}
	wg.Wait()
}
