// Agent configuration types.
//
// Information Hiding:
// - Configuration validation logic hidden
// - Default values hidden

package agent

import (
	"errors"
	"time"

	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/tools"
)

// Config holds the run policies of the agent.
type Config struct {
	// Parallelism bounds concurrent sub-calls of one analysis or justification step.
	Parallelism int

	// MaxRecordsPerRun stops planning once a run has recorded more rows.
	MaxRecordsPerRun int

	// DefaultTopK and MaxTopK bound how many refs a ranking returns.
	DefaultTopK int
	MaxTopK     int

	// MaxSteps bounds tool calls per run; the agent replies when it is reached.
	MaxSteps int

	// LockTTL is how long the session lock survives a crashed holder.
	LockTTL time.Duration
}

// DefaultConfig returns the standard policies.
func DefaultConfig() Config {
	return Config{
		Parallelism:      tools.DefaultParallelism,
		MaxRecordsPerRun: 200,
		DefaultTopK:      tools.DefaultTopK,
		MaxTopK:          tools.DefaultMaxTopK,
		MaxSteps:         40,
		LockTTL:          checkpoint.DefaultLockTTL,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.MaxRecordsPerRun <= 0 {
		c.MaxRecordsPerRun = d.MaxRecordsPerRun
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.DefaultTopK > c.MaxTopK {
		return errors.New("default top-k exceeds max top-k")
	}
	if c.MaxTopK > tools.MaxRefsPerCall {
		return errors.New("max top-k exceeds the refs accepted per tool call")
	}
	return nil
}
