package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Known capability ids; kept here so config validation has no domain import.
var knownCapabilities = map[string]bool{
	"request":      true,
	"manage_stock": true,
	"administer":   true,
}

// Config models stockreq.yml.
type Config struct {
	Store struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"store"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
		// CreatorRole is granted to the actor that initialises the store.
		CreatorRole string `yaml:"creator_role"`
	} `yaml:"rbac"`
	Quantities struct {
		MaxDecimalPlaces int `yaml:"max_decimal_places"`
	} `yaml:"quantities"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type RBACRole struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing flag as enabled.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Accepts reports whether the hook subscribes to the event type.
func (w Webhook) Accepts(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == "*" || e == eventType {
			return true
		}
		if strings.HasSuffix(e, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(e, "*")) {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.ID == "" {
		return fmt.Errorf("config.store.id is required")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if strings.TrimSpace(roleID) == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if !knownCapabilities[capability] {
				return fmt.Errorf("role %s has unknown capability %q", roleID, capability)
			}
		}
	}
	if c.RBAC.CreatorRole != "" {
		if _, ok := c.RBAC.Roles[c.RBAC.CreatorRole]; !ok {
			return fmt.Errorf("config.rbac.creator_role %s is not a declared role", c.RBAC.CreatorRole)
		}
	}
	if c.Quantities.MaxDecimalPlaces < 0 || c.Quantities.MaxDecimalPlaces > 6 {
		return fmt.Errorf("config.quantities.max_decimal_places must be between 0 and 6")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook id %s", hook.ID)
		}
		seen[hook.ID] = true
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %s has invalid url %q", hook.ID, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s timeout_seconds must not be negative", hook.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stockreq.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for a store.
func GenerateDefault(storeID, name string) string {
	if name == "" {
		name = storeID
	}
	return fmt.Sprintf(defaultTemplate, storeID, name)
}

// Default returns the default Config for a store.
func Default(storeID, name string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(storeID, name)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{}
	cfg.Quantities.MaxDecimalPlaces = -1
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Quantities.MaxDecimalPlaces == -1 {
		cfg.Quantities.MaxDecimalPlaces = DefaultMaxDecimalPlaces
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

// DefaultMaxDecimalPlaces covers grams expressed in kilograms.
const DefaultMaxDecimalPlaces = 3

const defaultTemplate = `store:
  id: %s
  name: %q

rbac:
  creator_role: admin
  roles:
    requester:
      description: "Sector staff raising requisitions"
      capabilities: [request]
    stock:
      description: "Stock clerks separating and delivering"
      capabilities: [manage_stock]
    admin:
      description: "Store administrators"
      capabilities: [administer]

quantities:
  max_decimal_places: 3

webhooks: []
`
