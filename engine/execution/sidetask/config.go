package sidetask

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
)

// DefaultReconcileWaitBudget is the default time block processing may wait, per block, for the
// bodies of due tasks to finish. It is kept small relative to the block period.
const DefaultReconcileWaitBudget = 250 * time.Millisecond

type Config struct {
	// ReconcileWaitBudget bounds how long the driver waits for pending result cells when a
	// block with due tasks begins. The budget is shared by all tasks due at that block.
	// Zero means cells are checked without waiting.
	ReconcileWaitBudget time.Duration

	// MaxConcurrentBodies bounds the number of bodies executing at once. Zero runs every
	// body on its own goroutine as soon as it is spawned.
	MaxConcurrentBodies int

	// MaxTasksPerHeight bounds the number of tasks that can be due at the same height.
	// Zero means unbounded.
	MaxTasksPerHeight int
}

func DefaultConfig() *Config {
	return &Config{
		ReconcileWaitBudget: DefaultReconcileWaitBudget,
		MaxConcurrentBodies: 0,
		MaxTasksPerHeight:   0,
	}
}

type OptionFunc func(*Config)

// WithReconcileWaitBudget sets the per-block bound on waiting for due results.
func WithReconcileWaitBudget(budget time.Duration) OptionFunc {
	return func(cfg *Config) {
		cfg.ReconcileWaitBudget = budget
	}
}

// WithMaxConcurrentBodies runs bodies on a bounded worker pool of the given size.
func WithMaxConcurrentBodies(n int) OptionFunc {
	return func(cfg *Config) {
		cfg.MaxConcurrentBodies = n
	}
}

// WithMaxTasksPerHeight caps the number of tasks due at any single height.
func WithMaxTasksPerHeight(n int) OptionFunc {
	return func(cfg *Config) {
		cfg.MaxTasksPerHeight = n
	}
}

// Validate returns all problems with the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.ReconcileWaitBudget < 0 {
		errs = multierror.Append(errs, fmt.Errorf("reconcile wait budget must not be negative, got %s", c.ReconcileWaitBudget))
	}
	if c.MaxConcurrentBodies < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max concurrent bodies must not be negative, got %d", c.MaxConcurrentBodies))
	}
	if c.MaxTasksPerHeight < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max tasks per height must not be negative, got %d", c.MaxTasksPerHeight))
	}
	return errs.ErrorOrNil()
}

// BindFlags registers the configuration fields on the given flag set, using the current
// values as defaults.
func (c *Config) BindFlags(flags *pflag.FlagSet) {
	flags.DurationVar(&c.ReconcileWaitBudget, "sidetask-reconcile-wait-budget", c.ReconcileWaitBudget,
		"maximum time a block waits for the results of side tasks due at that block")
	flags.IntVar(&c.MaxConcurrentBodies, "sidetask-max-concurrent-bodies", c.MaxConcurrentBodies,
		"maximum number of side task bodies executing concurrently (0 for unbounded)")
	flags.IntVar(&c.MaxTasksPerHeight, "sidetask-max-tasks-per-height", c.MaxTasksPerHeight,
		"maximum number of side tasks due at the same block height (0 for unbounded)")
}
