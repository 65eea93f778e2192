package config

// Defaults contains system-wide default configurations used when a
// component doesn't specify its own values.
type Defaults struct {
	// LLMProvider names the default Pipe/llmjob provider new archives
	// and batches use when none is specified explicitly.
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// WindowDays/OverlapDays seed every new WindowConfig (§4.1); there
	// is no per-provider override.
	WindowDays   int `yaml:"window_days,omitempty" validate:"omitempty,min=1"`
	OverlapDays  int `yaml:"overlap_days,omitempty" validate:"omitempty,min=0"`

	// Discovery holds the refinement category's union-find parameters
	// (§4.7); nil means the package defaults apply.
	Discovery *DiscoveryDefaults `yaml:"discovery,omitempty"`
}

// DiscoveryDefaults mirrors refinement.DiscoveryParams so it can be
// loaded from YAML without pkg/config importing pkg/batch/refinement.
type DiscoveryDefaults struct {
	DateProximityDays   int     `yaml:"date_proximity_days,omitempty" validate:"omitempty,min=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty" validate:"omitempty,min=0"`
	MaxCandidatesPerSeed int    `yaml:"max_candidates_per_seed,omitempty" validate:"omitempty,min=1"`
}
