package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"workgate/internal/domain"
)

// Config models workgate.yml. It is stored per project in the database and
// imported explicitly.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Engine struct {
		// GateEnforcement is "enforce" or "advisory". The phase gate always
		// runs on phase-advancing transitions; advisory downgrades its
		// findings from block to limit.
		GateEnforcement string `yaml:"gate_enforcement" json:"gate_enforcement"`
		// AuditRejected writes a transition_rejected event for block outcomes.
		AuditRejected bool `yaml:"audit_rejected" json:"audit_rejected"`
		// RuleCacheTTLSeconds enables the opt-in rule cache. Zero reloads
		// rules fresh per transition.
		RuleCacheTTLSeconds int `yaml:"rule_cache_ttl_seconds" json:"rule_cache_ttl_seconds"`
	} `yaml:"engine" json:"engine"`
	Bus struct {
		QueueSize              int `yaml:"queue_size" json:"queue_size"`
		PublishTimeoutMS       int `yaml:"publish_timeout_ms" json:"publish_timeout_ms"`
		ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	} `yaml:"bus" json:"bus"`
	// PhaseGates seeds the phase_requirements table on import.
	PhaseGates []domain.PhaseRequirement `yaml:"phase_gates" json:"phase_gates"`
	Webhooks   []WebhookConfig           `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// RuleCacheTTL returns the configured cache TTL as a duration.
func (c *Config) RuleCacheTTL() time.Duration {
	return time.Duration(c.Engine.RuleCacheTTLSeconds) * time.Second
}

func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Bus.PublishTimeoutMS) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Bus.ShutdownTimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	switch c.Engine.GateEnforcement {
	case "enforce", "advisory":
	default:
		return fmt.Errorf("config.engine.gate_enforcement must be 'enforce' or 'advisory'")
	}
	if c.Engine.RuleCacheTTLSeconds < 0 {
		return fmt.Errorf("config.engine.rule_cache_ttl_seconds must not be negative")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("config.bus.queue_size must be positive")
	}
	if c.Bus.PublishTimeoutMS <= 0 {
		return fmt.Errorf("config.bus.publish_timeout_ms must be positive")
	}
	if c.Bus.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config.bus.shutdown_timeout_seconds must be positive")
	}
	for _, gate := range c.PhaseGates {
		switch gate.EntityType {
		case domain.EntityWorkItem, domain.EntityTask, domain.EntityProject:
		default:
			return fmt.Errorf("phase gate has unknown entity type %q", gate.EntityType)
		}
		if domain.PhaseIndex(gate.Phase) < 0 {
			return fmt.Errorf("phase gate for %s has unknown phase %q", gate.EntityType, gate.Phase)
		}
		for _, field := range gate.RequiredFields {
			if field.Field == "" {
				return fmt.Errorf("phase gate %s/%s has empty required field", gate.EntityType, gate.Phase)
			}
			if field.MinLength < 0 {
				return fmt.Errorf("phase gate %s/%s field %s has negative min_length", gate.EntityType, gate.Phase, field.Field)
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
	return filepath.Join(workspace, "workgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s

engine:
  gate_enforcement: enforce
  audit_rejected: false
  rule_cache_ttl_seconds: 0

bus:
  queue_size: 256
  publish_timeout_ms: 250
  shutdown_timeout_seconds: 5

phase_gates:
  - entity_type: work_item
    phase: review
    required_kinds: [design, implementation, testing]
    required_fields:
      - field: description
        min_length: 50
  - entity_type: work_item
    phase: operations
    required_fields:
      - field: runbook
        min_length: 1
  - entity_type: project
    phase: review
    required_kinds: [implementation, testing]
`
