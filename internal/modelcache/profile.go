package modelcache

import "time"

// Profile holds the timeouts and thresholds that govern one environment's
// resilient factory. Production is the baseline; staging is tuned for a
// constrained deployment target with tighter timeouts and a more
// sensitive breaker, development is the most lenient.
type Profile struct {
	InitTimeout            time.Duration
	CallTimeout            time.Duration
	DegradedTimeout        time.Duration
	FailureThreshold       int
	ResetTimeout           time.Duration
	MaxConsecutiveFailures int
	// Strict environments never hand back a canned string: a call that
	// fails under Degraded, or any call under FallbackOnly, gets a
	// service_unavailable error instead, so the absence of the model is
	// impossible to miss. Manager construction is not affected.
	Strict bool
}

// ProfileFor returns the built-in profile for a named environment.
// Unrecognized names fall back to the production baseline.
func ProfileFor(environment string) Profile {
	base := Profile{
		InitTimeout:            30 * time.Second,
		CallTimeout:            60 * time.Second,
		DegradedTimeout:        5 * time.Second,
		FailureThreshold:       3,
		ResetTimeout:           5 * time.Minute,
		MaxConsecutiveFailures: 5,
	}

	switch environment {
	case "staging":
		base.InitTimeout = 10 * time.Second
		base.CallTimeout = 15 * time.Second
		base.FailureThreshold = 2
		base.ResetTimeout = 2 * time.Minute
		base.MaxConsecutiveFailures = 3
		base.Strict = true
	case "development":
		base.InitTimeout = 15 * time.Second
		base.CallTimeout = 30 * time.Second
		base.FailureThreshold = 5
		base.MaxConsecutiveFailures = 10
	}

	return base
}
