package config

import "github.com/codeready-toolchain/tapestry/pkg/database"

// Config is the umbrella configuration object produced by Initialize()
// and threaded through the runner, facade, and cleanup loop.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	// Database holds the store connection settings.
	Database database.Config

	// Runner tunes the persisted-batch executor's polling loop.
	Runner *RunnerConfig

	// Retention controls superseded-memory cleanup.
	Retention *RetentionConfig

	// Pipes holds the configured ingestion/LLM-job providers, keyed by
	// name (e.g. "chatgpt", "instagram").
	Pipes *PipeRegistry
}

// Initialize is defined in loader.go

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetPipe retrieves a pipe configuration by name.
// This is a convenience method that wraps PipeRegistry.Get().
func (c *Config) GetPipe(name string) (PipeConfig, error) {
	return c.Pipes.Get(name)
}
