package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dutyline.yml.
type Config struct {
	Chapter struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"chapter"`
	Defaults struct {
		LeadTimeHours int `yaml:"lead_time_hours"`
		PointsValue   int `yaml:"points_value"`
	} `yaml:"defaults"`
	Escalation struct {
		UrgentHorizonHours int `yaml:"urgent_horizon_hours"`
		BatchLimit         int `yaml:"batch_limit"`
		ExpiryFine         int `yaml:"expiry_fine"`
	} `yaml:"escalation"`
	Notify struct {
		Enabled      bool   `yaml:"enabled"`
		AdminChannel string `yaml:"admin_channel"`
	} `yaml:"notify"`
	Storage struct {
		Bucket          string `yaml:"bucket"`
		Endpoint        string `yaml:"endpoint"`
		Region          string `yaml:"region"`
		PresignValidMin int    `yaml:"presign_valid_min"`
	} `yaml:"storage"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with dutyline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.LeadTimeHours < 0 {
		return fmt.Errorf("config.defaults.lead_time_hours must not be negative")
	}
	if c.Defaults.PointsValue < 0 {
		return fmt.Errorf("config.defaults.points_value must not be negative")
	}
	if c.Escalation.UrgentHorizonHours <= 0 {
		return fmt.Errorf("config.escalation.urgent_horizon_hours must be positive")
	}
	if c.Escalation.BatchLimit <= 0 {
		return fmt.Errorf("config.escalation.batch_limit must be positive")
	}
	if c.Escalation.ExpiryFine < 0 {
		return fmt.Errorf("config.escalation.expiry_fine must not be negative")
	}
	if c.Notify.Enabled && c.Notify.AdminChannel == "" {
		return fmt.Errorf("config.notify.admin_channel is required when notify is enabled")
	}
	if c.Storage.PresignValidMin < 0 {
		return fmt.Errorf("config.storage.presign_valid_min must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dutyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(chapterID string) string {
	return fmt.Sprintf(defaultTemplate, chapterID)
}

// Default returns the default Config struct for a chapter.
func Default(chapterID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, chapterID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `chapter:
  id: %s
  name: ""

defaults:
  lead_time_hours: 24
  points_value: 0

escalation:
  urgent_horizon_hours: 12
  batch_limit: 100
  expiry_fine: 50

notify:
  enabled: false
  admin_channel: ""

storage:
  bucket: ""
  endpoint: ""
  region: auto
  presign_valid_min: 15
`
