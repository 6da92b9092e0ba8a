// Package consolidation implements the GammaFF consolidation engine: an
// iterative, speculative, rollback-capable placement search that vacates
// hosts without violating a Gamma-robust CPU constraint.
package consolidation

import (
	"fmt"

	"github.com/virtpack/virtpack/internal/domain"
)

// Config holds the tuning parameters of a consolidation run.
type Config struct {
	// SampleRatio is the fraction of VMs sampled from each non-target
	// node into the candidate queue, in [0, 1].
	SampleRatio float64 `mapstructure:"sample_ratio"`

	// MaxAttempts caps the number of attempts per target node. Each
	// attempt draws a fresh random sample.
	MaxAttempts int `mapstructure:"max_attempts"`

	// AttemptBudget caps the total number of attempts across the whole
	// run. Zero means no global cap.
	AttemptBudget int `mapstructure:"attempt_budget"`

	// Seed seeds the sampler's randomness source. A fixed seed makes the
	// whole run reproducible.
	Seed int64 `mapstructure:"seed"`

	// TargetPolicy selects which occupied node to try to vacate next:
	// "fewest-vms" or "least-loaded".
	TargetPolicy string `mapstructure:"target_policy"`
}

// DefaultConfig returns the default consolidation configuration.
func DefaultConfig() Config {
	return Config{
		SampleRatio:   0.15,
		MaxAttempts:   100,
		AttemptBudget: 0,
		TargetPolicy:  PolicyFewestVMs,
	}
}

// Validate checks the configuration. Violations are reported fail-fast,
// before any attempt runs.
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: sample ratio %v outside [0, 1]", domain.ErrInvalidArgument, c.SampleRatio)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts %d <= 0", domain.ErrInvalidArgument, c.MaxAttempts)
	}
	if c.AttemptBudget < 0 {
		return fmt.Errorf("%w: attempt budget %d < 0", domain.ErrInvalidArgument, c.AttemptBudget)
	}
	if _, err := policyByName(c.TargetPolicy); err != nil {
		return err
	}
	return nil
}
