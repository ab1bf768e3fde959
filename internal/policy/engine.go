package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Engine decides whether a workflow run may proceed.
type Engine interface {
	Evaluate(ctx context.Context, input *RunInput) (*Decision, error)
	IsEnabled() bool
	Mode() Mode
}

// RunInput is the document a policy sees for one run request.
type RunInput struct {
	SkillID     string    `json:"skill_id"`
	WorkflowID  string    `json:"workflow_id"`
	Mode        string    `json:"mode"`
	WorkerCount int       `json:"worker_count"`
	Input       string    `json:"input"`
	UserID      string    `json:"user_id,omitempty"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
	// DryRunDeny is set when dry-run mode let a denied request through.
	DryRunDeny bool `json:"dry_run_deny,omitempty"`
}

// OPAEngine evaluates compiled Rego modules.
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine loads policies from config.Path.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// NewOPAEngineFromModules compiles in-memory modules, keyed by module name.
func NewOPAEngineFromModules(config *Config, modules map[string]string, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}
	if engine.enabled {
		if err := engine.compile(modules); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// LoadPolicies loads and compiles all .rego files under the configured path.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
			e.logger.Debug("Loaded policy file", zap.String("path", path))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}
	return e.compile(policies)
}

func (e *OPAEngine) compile(policies map[string]string) error {
	regoOptions := []func(*rego.Rego){rego.Query(e.config.query())}
	for name, content := range policies {
		regoOptions = append(regoOptions, rego.Module(name, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.cache.Clear()
	policiesLoaded.Set(float64(len(policies)))

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", e.config.query()),
	)
	return nil
}

// Evaluate evaluates the policy against the given input. In dry-run mode a
// deny is logged and converted to an allow.
func (e *OPAEngine) Evaluate(ctx context.Context, input *RunInput) (*Decision, error) {
	startTime := time.Now()
	if input.Environment == "" {
		input.Environment = e.config.Environment
	}

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		if !e.config.Enabled || e.config.Mode == ModeOff {
			return &Decision{Allow: true, Reason: "policy engine off"}, nil
		}
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		policyCache.WithLabelValues("hit").Inc()
		return d, nil
	}
	policyCache.WithLabelValues("miss").Inc()

	inputMap, err := toMap(input)
	if err != nil {
		RecordError("input_conversion", e.config.Mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", e.config.Mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	if !decision.Allow && e.config.Mode == ModeDryRun {
		e.logger.Info("Policy would deny run (dry-run)",
			zap.String("skill_id", input.SkillID),
			zap.String("workflow_id", input.WorkflowID),
			zap.String("reason", decision.Reason),
		)
		decision.Allow = true
		decision.DryRunDeny = true
	}

	RecordEvaluation(decision.Allow, e.config.Mode, time.Since(startTime).Seconds())
	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", time.Since(startTime)),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func toMap(input *RunInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults accepts either a {allow, reason} object or a bare boolean.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List // MRU at front
	m      map[string]*list.Element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *RunInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input.Input))
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%x",
		input.Environment, input.SkillID, input.WorkflowID, input.Mode, input.WorkerCount, input.UserID, h.Sum64(),
	)
}

func (c *decisionCache) Get(input *RunInput) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *RunInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
