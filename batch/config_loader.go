package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads and validates the batch configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfig parses path and applies defaults without validating, so callers
// can layer overrides before calling Validate.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func applyDefaults(c *Config) {
	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
	if c.Output.CSV == "" {
		c.Output.CSV = DefaultCSVName
	}
	if c.SettingsDir == "" {
		c.SettingsDir = DefaultSettingsDir
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
}

// Validate checks that the config describes at least one runnable mode.
func (c *Config) Validate() error {
	if c.Root == "" && len(c.Sweep.Inputs) == 0 {
		return fmt.Errorf("either root or sweep.inputs is required")
	}
	if c.Root != "" && c.Scaffold == "" {
		return fmt.Errorf("scaffold is required when root is set")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	for i, in := range c.Sweep.Inputs {
		if in.Model == "" {
			return fmt.Errorf("sweep.inputs[%d].model is required", i)
		}
		if in.Data == "" {
			return fmt.Errorf("sweep.inputs[%d].data is required", i)
		}
	}
	if len(c.Sweep.Inputs) > 0 && len(c.Sweep.Params) == 0 {
		return fmt.Errorf("sweep.params must list at least one strain/curvature pair")
	}
	for i, p := range c.Sweep.Params {
		if p.Strain < 0 || p.Curvature < 0 || p.Weight() < 0 {
			return fmt.Errorf("sweep.params[%d]: strain, curvature and dataWeight must be >= 0", i)
		}
		if p.Iters() < 0 {
			return fmt.Errorf("sweep.params[%d].iterations must be >= 0", i)
		}
	}
	return nil
}
