package batch

import (
	"path/filepath"
	"strings"
)

// Config is the batch configuration file.
type Config struct {
	Root          string            `yaml:"root,omitempty" json:"root,omitempty"`                   // directory of subject directories
	Scaffold      string            `yaml:"scaffold,omitempty" json:"scaffold,omitempty"`           // scaffold model file fitted to every subject
	FitSettingsID string            `yaml:"fitSettingsId,omitempty" json:"fitSettingsId,omitempty"` // settings file stem under SettingsDir
	SettingsDir   string            `yaml:"settingsDir,omitempty" json:"settingsDir,omitempty"`
	GroupMap      map[string]string `yaml:"groupMap,omitempty" json:"groupMap,omitempty"` // raw data group name -> scaffold group name
	Workers       int               `yaml:"workers,omitempty" json:"workers,omitempty"`   // 0 means one per CPU
	AcceptPartial bool              `yaml:"acceptPartial,omitempty" json:"acceptPartial,omitempty"`
	Output        OutputConfig      `yaml:"output" json:"output"`
	Engine        EngineConfig      `yaml:"engine" json:"engine"`
	Sweep         SweepConfig       `yaml:"sweep,omitempty" json:"sweep,omitempty"`
	MQTT          MQTTConfig        `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP          HTTPConfig        `yaml:"http,omitempty" json:"http,omitempty"`
}

// OutputConfig places per-subject geometry and the shared RMS table.
type OutputConfig struct {
	Dir string `yaml:"dir" json:"dir"`
	CSV string `yaml:"csv" json:"csv"` // file name under Dir, or an absolute path/URL
}

// EngineConfig describes how to start the external fitter.
type EngineConfig struct {
	Command      []string `yaml:"command,omitempty" json:"command,omitempty"`
	Env          []string `yaml:"env,omitempty" json:"env,omitempty"` // KEY=VALUE pairs added to the environment
	Dir          string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	CentralGroup string   `yaml:"centralGroup,omitempty" json:"centralGroup,omitempty"`
}

// SweepConfig drives single-model mode: every input pair is fitted once per
// parameter pair.
type SweepConfig struct {
	Inputs []SweepInput `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Params []SweepParam `yaml:"params,omitempty" json:"params,omitempty"`
}

// SweepInput is one (model, data) pair.
type SweepInput struct {
	Model string `yaml:"model" json:"model"`
	Data  string `yaml:"data" json:"data"`
}

// SweepParam is one (strain, curvature) pair. DataWeight and Iterations
// default to 1 when omitted.
type SweepParam struct {
	Strain     float64  `yaml:"strain" json:"strain"`
	Curvature  float64  `yaml:"curvature" json:"curvature"`
	DataWeight *float64 `yaml:"dataWeight,omitempty" json:"dataWeight,omitempty"`
	Iterations *int     `yaml:"iterations,omitempty" json:"iterations,omitempty"`
}

// MQTTConfig holds optional broker settings for result publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the report server settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// Defaults applied by LoadConfig.
const (
	DefaultOutputDir   = "output"
	DefaultCSVName     = "rms.csv"
	DefaultHTTPPort    = 8080
	DefaultSettingsDir = "settings"
)

// SettingsPath returns the settings resource for FitSettingsID, or "" when
// no id is configured.
func (c *Config) SettingsPath() string {
	if c.FitSettingsID == "" {
		return ""
	}
	return filepath.Join(c.SettingsDir, c.FitSettingsID+".json")
}

// CSVPath returns the location of the shared RMS table.
func (c *Config) CSVPath() string {
	if strings.Contains(c.Output.CSV, "://") || filepath.IsAbs(c.Output.CSV) {
		return c.Output.CSV
	}
	return filepath.Join(c.Output.Dir, c.Output.CSV)
}

// Iters returns the iteration count, defaulting to 1.
func (p SweepParam) Iters() int {
	if p.Iterations != nil {
		return *p.Iterations
	}
	return 1
}

// Weight returns the data weight, defaulting to 1.
func (p SweepParam) Weight() float64 {
	if p.DataWeight != nil {
		return *p.DataWeight
	}
	return 1
}
