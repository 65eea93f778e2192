package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/codeready-toolchain/tapestry/pkg/database"
	"gopkg.in/yaml.v3"
)

// TapestryYAMLConfig represents the complete tapestry.yaml file structure.
type TapestryYAMLConfig struct {
	Database *database.Config      `yaml:"database"`
	Pipes    map[string]PipeConfig `yaml:"pipes"`
	Defaults *Defaults             `yaml:"defaults"`
	Runner   *RunnerConfig         `yaml:"runner"`
	System   *SystemYAMLConfig     `yaml:"system"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load tapestry.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-provided settings onto built-in defaults
//  5. Build the pipe registry
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"pipes", len(cfg.Pipes.GetAll()))

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadTapestryYAML()
	if err != nil {
		return nil, NewLoadError("tapestry.yaml", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}
	if yamlCfg.Database != nil {
		if err := mergo.Merge(&dbCfg, yamlCfg.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}

	defaults := yamlCfg.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	runnerCfg := DefaultRunnerConfig()
	if yamlCfg.Runner != nil {
		if err := mergo.Merge(runnerCfg, yamlCfg.Runner, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge runner config: %w", err)
		}
	}

	retentionCfg := resolveRetentionConfig(yamlCfg.System)

	if yamlCfg.Pipes == nil {
		yamlCfg.Pipes = make(map[string]PipeConfig)
	}

	return &Config{
		configDir: configDir,
		Defaults:  defaults,
		Database:  dbCfg,
		Runner:    runnerCfg,
		Retention: retentionCfg,
		Pipes:     NewPipeRegistry(yamlCfg.Pipes),
	}, nil
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTapestryYAML() (*TapestryYAMLConfig, error) {
	var cfg TapestryYAMLConfig
	cfg.Pipes = make(map[string]PipeConfig)

	if err := l.loadYAML("tapestry.yaml", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveRetentionConfig resolves retention configuration from system
// YAML, applying defaults for anything left unset.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.SupersededMemoryRetentionDays > 0 {
		cfg.SupersededMemoryRetentionDays = r.SupersededMemoryRetentionDays
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}
