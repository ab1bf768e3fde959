package circuitbreaker

import "time"

// ExecutorConfig returns the breaker settings used around task executors when
// the configuration leaves them unset.
func ExecutorConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure:        IgnoreCancellation,
	}
}

// WithDefaults fills zero fields from ExecutorConfig.
func (c Config) WithDefaults() Config {
	d := ExecutorConfig()
	if c.MaxRequests == 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = d.IsFailure
	}
	return c
}
