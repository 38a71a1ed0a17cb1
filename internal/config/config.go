// Package config handles YAML configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stagehand/internal/collector"
	"stagehand/internal/core"
	"stagehand/internal/template"
)

// AdminRole is the privileged role, excluded from credential bootstrapping
// and webhook setup.
const AdminRole = "Admin"

// Config is the root configuration structure.
type Config struct {
	Roles      []Role                `yaml:"roles"`
	Auth       *AuthConfig           `yaml:"auth,omitempty"`
	Services   []HookConfig          `yaml:"services,omitempty"`
	Agents     []HookConfig          `yaml:"agents,omitempty"`
	Webhooks   WebhookConfig         `yaml:"webhooks,omitempty"`
	HTTP       HTTPConfig            `yaml:"http,omitempty"`
	Scenario   ScenarioConfig        `yaml:"scenario"`
	Thresholds *collector.Thresholds `yaml:"thresholds,omitempty"`
	Data       map[string]DataConfig `yaml:"data,omitempty"`
}

// Role is a static descriptor of one logical participant.
type Role struct {
	Name            string   `yaml:"name"`
	URL             string   `yaml:"url"`
	APIKey          string   `yaml:"apikey,omitempty"`
	AuthHeader      string   `yaml:"authHeader,omitempty"`
	Webhook         *Webhook `yaml:"webhook,omitempty"`
	CreateWallet    bool     `yaml:"createWallet,omitempty"`
	Unauthenticated bool     `yaml:"unauthenticated,omitempty"`
}

// Webhook describes where an actor receives platform notifications.
type Webhook struct {
	URL          string `yaml:"url"`
	InternalPort int    `yaml:"internalPort"`
	InitRequired bool   `yaml:"initRequired"`
}

// AuthConfig describes the password-grant token endpoint used for roles
// without a static API key.
type AuthConfig struct {
	TokenURL     string   `yaml:"tokenUrl"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty"`
	// Credentials selects how username/password are derived per actor:
	// "actor-name" (default) or "static".
	Credentials string                     `yaml:"credentials,omitempty"`
	Users       map[string]UserCredentials `yaml:"users,omitempty"`
}

// UserCredentials is a username/password pair for the "static" strategy.
type UserCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Credential strategies.
const (
	CredentialsActorName = "actor-name"
	CredentialsStatic    = "static"
)

// HookConfig describes an external collaborator (auth server, ledger node,
// secret store, cloud agent) the harness starts and stops.
type HookConfig struct {
	Name         string        `yaml:"name"`
	Start        []string      `yaml:"start,omitempty"`
	Stop         []string      `yaml:"stop,omitempty"`
	ReadyURL     string        `yaml:"readyUrl,omitempty"`
	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty"`
}

// WebhookConfig tunes the webhook correlator.
type WebhookConfig struct {
	CorrelationPaths []string      `yaml:"correlationPaths,omitempty"`
	Retention        time.Duration `yaml:"retention,omitempty"`
	WaitTimeout      time.Duration `yaml:"waitTimeout,omitempty"`
	// RedisAddr selects the Redis event store instead of the in-memory one.
	RedisAddr string `yaml:"redisAddr,omitempty"`
}

// HTTPConfig tunes the API client shared by all actors.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DataConfig declares a CSV or JSON data file.
type DataConfig struct {
	File string `yaml:"file"`
	Mode string `yaml:"mode,omitempty"`
}

// LoadConfig reads, expands and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, expands and validates YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand resolves ${env:VAR} placeholders in values that commonly carry
// secrets or deployment-specific addresses.
func (c *Config) expand() error {
	expand := func(actor string, s *string) error {
		v, err := template.Substitute(*s, nil)
		if err != nil {
			return &core.ConfigurationError{Actor: actor, Reason: "expanding placeholders", Err: err}
		}
		*s = v
		return nil
	}
	for i := range c.Roles {
		r := &c.Roles[i]
		if err := expand(r.Name, &r.URL); err != nil {
			return err
		}
		if err := expand(r.Name, &r.APIKey); err != nil {
			return err
		}
		if r.Webhook != nil {
			if err := expand(r.Name, &r.Webhook.URL); err != nil {
				return err
			}
		}
	}
	if c.Auth != nil {
		if err := expand("", &c.Auth.TokenURL); err != nil {
			return err
		}
		if err := expand("", &c.Auth.ClientSecret); err != nil {
			return err
		}
	}
	return expand("", &c.Webhooks.RedisAddr)
}

func (c *Config) applyDefaults() {
	if c.Auth != nil && c.Auth.Credentials == "" {
		c.Auth.Credentials = CredentialsActorName
	}
	if c.Webhooks.Retention == 0 {
		c.Webhooks.Retention = 10 * time.Minute
	}
	if c.Webhooks.WaitTimeout == 0 {
		c.Webhooks.WaitTimeout = 30 * time.Second
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	c.Scenario.applyDefaults()
}

// Role returns the role with the given name.
func (c *Config) Role(name string) (Role, error) {
	for _, r := range c.Roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, &core.NotFoundError{Kind: "role", Name: name}
}

// Validate checks invariants that the harness relies on.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Roles))
	ports := make(map[int]string)
	admins := 0
	for _, r := range c.Roles {
		if r.Name == "" {
			return &core.ConfigurationError{Reason: "role without a name"}
		}
		if names[r.Name] {
			return &core.ConfigurationError{Actor: r.Name, Reason: "duplicate role name"}
		}
		names[r.Name] = true
		if r.Name == AdminRole {
			admins++
		}
		if r.URL == "" {
			return &core.ConfigurationError{Actor: r.Name, Reason: "role without a base url"}
		}
		if r.APIKey != "" && r.AuthHeader == "" {
			return &core.ConfigurationError{Actor: r.Name, Reason: "apikey configured without authHeader"}
		}
		if r.APIKey != "" && r.Unauthenticated {
			return &core.ConfigurationError{Actor: r.Name, Reason: "apikey configured on an unauthenticated role"}
		}
		if r.Webhook != nil {
			if r.Name == AdminRole {
				return &core.ConfigurationError{Actor: r.Name, Reason: "the privileged role cannot listen for webhooks"}
			}
			if r.Webhook.InternalPort <= 0 {
				return &core.ConfigurationError{Actor: r.Name, Reason: "webhook without internalPort"}
			}
			if other, ok := ports[r.Webhook.InternalPort]; ok {
				return &core.ConfigurationError{Actor: r.Name,
					Reason: fmt.Sprintf("webhook port %d already used by %q", r.Webhook.InternalPort, other)}
			}
			ports[r.Webhook.InternalPort] = r.Name
			if r.Webhook.InitRequired && r.Webhook.URL == "" {
				return &core.ConfigurationError{Actor: r.Name, Reason: "webhook registration requires an external url"}
			}
		}
	}
	if admins != 1 {
		return &core.ConfigurationError{Reason: fmt.Sprintf("expected exactly one %q role, found %d", AdminRole, admins)}
	}

	if c.Auth != nil {
		switch c.Auth.Credentials {
		case CredentialsActorName, CredentialsStatic:
		default:
			return &core.ConfigurationError{Reason: fmt.Sprintf("unknown auth credentials strategy %q", c.Auth.Credentials)}
		}
		if c.Auth.TokenURL == "" {
			return &core.ConfigurationError{Reason: "auth section without tokenUrl"}
		}
	}

	for _, h := range append(append([]HookConfig{}, c.Services...), c.Agents...) {
		if h.Name == "" {
			return &core.ConfigurationError{Reason: "lifecycle hook without a name"}
		}
	}

	if err := c.Thresholds.Validate(); err != nil {
		return &core.ConfigurationError{Reason: "invalid thresholds", Err: err}
	}
	if err := c.Scenario.Validate(); err != nil {
		return err
	}
	return c.Scenario.validateActors(names)
}
