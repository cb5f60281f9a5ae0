package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pinklemonade/internal/stage"
)

// Config models pinklemonade.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"org" json:"org"`
	Checklists struct {
		// Templates override the built-in per-stage checklist templates.
		Templates map[string][]ChecklistTemplate `yaml:"templates" json:"templates"`
	} `yaml:"checklists" json:"checklists"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Auth     struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
	} `yaml:"auth" json:"auth"`
}

type ChecklistTemplate struct {
	Task     string `yaml:"task" json:"task"`
	Priority string `yaml:"priority" json:"priority"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	for stageKey, tmpl := range c.Checklists.Templates {
		if !stage.Valid(stageKey) {
			return fmt.Errorf("checklist template references unknown stage %s", stageKey)
		}
		for _, t := range tmpl {
			if t.Task == "" {
				return fmt.Errorf("checklist template for stage %s has empty task", stageKey)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pinklemonade.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
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

const defaultTemplate = `org:
  id: %s
  name: ""

checklists:
  templates: {}

webhooks: []

auth:
  allow_legacy_actor_header: false
`
