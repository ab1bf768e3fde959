package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// DefaultQuery is the decision rule evaluated for every run request.
const DefaultQuery = "data.pai.route.decision"

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// Query overrides DefaultQuery.
	Query string `mapstructure:"query"`

	// FailClosed determines behavior when policies can't be loaded
	// true: deny all requests if policies fail to load
	// false: allow all requests if policies fail to load (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment context for policy evaluation
	Environment string `mapstructure:"environment"`
}

func (c *Config) query() string {
	if c.Query == "" {
		return DefaultQuery
	}
	return c.Query
}
