package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by the redis run store and the database client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when Ping succeeds.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
	timeout  time.Duration
}

// NewPingChecker wraps p. Optional dependencies should be non-critical so a
// failing cache degrades the service instead of taking it out of rotation.
func NewPingChecker(name string, p Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, pinger: p, critical: critical, timeout: 3 * time.Second}
}

func (c *PingChecker) Name() string           { return c.name }
func (c *PingChecker) IsCritical() bool       { return c.critical }
func (c *PingChecker) Timeout() time.Duration { return c.timeout }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.pinger.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%s ping failed", c.name),
			Error:   err.Error(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%s reachable", c.name),
		Details: map[string]interface{}{"latency_ms": time.Since(start).Milliseconds()},
	}
}

// SkillCounter is satisfied by the skill registry.
type SkillCounter interface {
	Count() int
}

// RegistryChecker is critical: with no skills loaded nothing can be routed.
type RegistryChecker struct {
	registry SkillCounter
}

// NewRegistryChecker wraps the skill registry.
func NewRegistryChecker(r SkillCounter) *RegistryChecker {
	return &RegistryChecker{registry: r}
}

func (c *RegistryChecker) Name() string           { return "skills" }
func (c *RegistryChecker) IsCritical() bool       { return true }
func (c *RegistryChecker) Timeout() time.Duration { return time.Second }

func (c *RegistryChecker) Check(context.Context) CheckResult {
	n := c.registry.Count()
	if n == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: "no skills registered"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d skills registered", n),
		Details: map[string]interface{}{"skills": n},
	}
}

// CustomHealthChecker allows custom health check functions
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
