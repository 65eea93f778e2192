package config

import "time"

// RunnerConfig controls how the batch executor polls and advances
// persisted batches (pkg/queue.Runner).
type RunnerConfig struct {
	// WorkerCount is the number of goroutines concurrently advancing
	// batches within a single process.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval between sweeps that launch every
	// active batch not already running.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval so
	// multiple replicas don't sweep in lockstep.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// BatchTimeout bounds how long a single Transition call may run
	// before the runner abandons it for the next sweep.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// transitions to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// RefinementInterval is how often the refinement trigger sweeps for
	// refinable memories and seeds a new refinement batch (§4.5.2). There
	// is no per-archive event that starts refinement the way ingestion
	// starts memory generation, so this periodic sweep is its only
	// trigger.
	RefinementInterval time.Duration `yaml:"refinement_interval"`
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		WorkerCount:             5,
		PollInterval:            10 * time.Second,
		PollIntervalJitter:      2 * time.Second,
		BatchTimeout:            5 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		RefinementInterval:      1 * time.Hour,
	}
}
