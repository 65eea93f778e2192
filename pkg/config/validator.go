package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error).
func (v *Validator) ValidateAll() error {
	if err := v.cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}

	if err := v.validateRunner(); err != nil {
		return fmt.Errorf("runner validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validatePipes(); err != nil {
		return fmt.Errorf("pipe validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateRunner() error {
	r := v.cfg.Runner
	if r == nil {
		return fmt.Errorf("runner configuration is nil")
	}

	if r.WorkerCount < 1 || r.WorkerCount > 50 {
		return fmt.Errorf("worker_count must be between 1 and 50, got %d", r.WorkerCount)
	}
	if r.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", r.PollInterval)
	}
	if r.PollIntervalJitter < 0 {
		return fmt.Errorf("poll_interval_jitter must be non-negative, got %v", r.PollIntervalJitter)
	}
	if r.PollIntervalJitter >= r.PollInterval {
		return fmt.Errorf("poll_interval_jitter must be less than poll_interval, got jitter=%v interval=%v", r.PollIntervalJitter, r.PollInterval)
	}
	if r.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %v", r.BatchTimeout)
	}
	if r.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", r.GracefulShutdownTimeout)
	}

	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return fmt.Errorf("retention configuration is nil")
	}

	if r.SupersededMemoryRetentionDays < 0 {
		return fmt.Errorf("superseded_memory_retention_days must be non-negative, got %d", r.SupersededMemoryRetentionDays)
	}
	if r.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive, got %v", r.CleanupInterval)
	}

	return nil
}

func (v *Validator) validatePipes() error {
	for name, pipe := range v.cfg.Pipes.GetAll() {
		if pipe.Type != "openai_batch" && pipe.Type != "sync" {
			return NewValidationError("pipe", name, "type", fmt.Errorf("must be 'openai_batch' or 'sync', got %q", pipe.Type))
		}
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d == nil {
		return nil
	}

	if d.LLMProvider != "" && !v.cfg.Pipes.Has(d.LLMProvider) {
		return NewValidationError("defaults", "", "llm_provider", fmt.Errorf("pipe %q not found", d.LLMProvider))
	}
	if d.WindowDays < 0 {
		return NewValidationError("defaults", "", "window_days", fmt.Errorf("must be non-negative"))
	}
	if d.OverlapDays < 0 {
		return NewValidationError("defaults", "", "overlap_days", fmt.Errorf("must be non-negative"))
	}
	if d.Discovery != nil {
		disc := d.Discovery
		if disc.DateProximityDays < 0 {
			return NewValidationError("defaults", "", "discovery.date_proximity_days", fmt.Errorf("must be non-negative"))
		}
		if disc.SimilarityThreshold < 0 || disc.SimilarityThreshold > 1 {
			return NewValidationError("defaults", "", "discovery.similarity_threshold", fmt.Errorf("must be between 0 and 1"))
		}
	}

	return nil
}
