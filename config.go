package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete engine configuration: engine tuning, the core
// templates to install and seed policies.
type Config struct {
	Version       uint16         `json:"version" yaml:"version"`
	Engine        EngineConfig   `json:"engine" yaml:"engine"`
	CoreTemplates []string       `json:"core_templates,omitempty" yaml:"core_templates,omitempty"` // "*" installs all
	Policies      []PolicyConfig `json:"policies" yaml:"policies"`
}

type EngineConfig struct {
	CacheRefreshInterval int64 `json:"cache_refresh_interval_ms" yaml:"cache_refresh_interval_ms"`
	StatsQueueSize       int   `json:"stats_queue_size" yaml:"stats_queue_size"`
	StatsFlushInterval   int64 `json:"stats_flush_interval_ms" yaml:"stats_flush_interval_ms"`
	DenialRingCapacity   int   `json:"denial_ring_capacity" yaml:"denial_ring_capacity"`
	TopPolicies          int   `json:"top_policies" yaml:"top_policies"`
	RistrettoNumCounter  int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer      int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// PolicyConfig is the file representation of a policy. Condition holds the
// tree in ParseCondition form.
type PolicyConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       string `json:"scope" yaml:"scope"`
	TenantID    string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Effect      string `json:"effect" yaml:"effect"`
	Priority    int    `json:"priority" yaml:"priority"`
	Active      *bool  `json:"active,omitempty" yaml:"active,omitempty"`
	Condition   any    `json:"condition,omitempty" yaml:"condition,omitempty"`
	CreatedBy   string `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// ToPolicy converts and validates the entry.
func (pc PolicyConfig) ToPolicy() (*Policy, error) {
	cond, err := ParseCondition(pc.Condition)
	if err != nil {
		return nil, newValidationError(pc.ID, "condition", "%v", err)
	}
	scope := Scope(strings.ToUpper(pc.Scope))
	if scope == "" {
		scope = ScopePlatform
		if pc.TenantID != "" {
			scope = ScopeTenant
		}
	}
	p := &Policy{
		PolicyID:    pc.ID,
		Name:        pc.Name,
		Description: pc.Description,
		Scope:       scope,
		TenantID:    pc.TenantID,
		Category:    Category(strings.ToUpper(pc.Category)),
		Effect:      Effect(strings.ToUpper(pc.Effect)),
		Priority:    pc.Priority,
		Condition:   cond,
		IsActive:    pc.Active == nil || *pc.Active,
		CreatedBy:   pc.CreatedBy,
	}
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// PolicyToConfig is the inverse of PolicyConfig.ToPolicy.
func PolicyToConfig(p *Policy) PolicyConfig {
	active := p.IsActive
	return PolicyConfig{
		ID:          p.PolicyID,
		Name:        p.Name,
		Description: p.Description,
		Scope:       string(p.Scope),
		TenantID:    p.TenantID,
		Category:    string(p.Category),
		Effect:      string(p.Effect),
		Priority:    p.Priority,
		Active:      &active,
		Condition:   EncodeCondition(p.Condition),
		CreatedBy:   p.CreatedBy,
	}
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the format from the file extension (.json, otherwise YAML).
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every seed policy and template name and returns all
// problems joined.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Policies))
	for i, pc := range c.Policies {
		if _, err := pc.ToPolicy(); err != nil {
			errs = append(errs, fmt.Errorf("policies[%d]: %w", i, err))
			continue
		}
		if seen[pc.ID] {
			errs = append(errs, fmt.Errorf("policies[%d]: %w", i, newValidationError(pc.ID, "policy_id", "duplicate")))
		}
		seen[pc.ID] = true
	}
	for _, id := range c.templateIDs() {
		if _, ok := LookupCoreTemplate(id); !ok {
			errs = append(errs, newValidationError(id, "core_templates", "unknown core policy template %q", id))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) templateIDs() []string {
	for _, id := range c.CoreTemplates {
		if id == "*" || strings.EqualFold(id, "all") {
			ids := make([]string, 0, len(coreTemplates))
			for _, t := range coreTemplates {
				ids = append(ids, t.ID)
			}
			return ids
		}
	}
	return c.CoreTemplates
}

// Options converts the engine section into EngineOptions.
func (ec EngineConfig) Options() []EngineOption {
	opts := []EngineOption{
		WithRecorderConfig(RecorderConfig{
			QueueSize:     ec.StatsQueueSize,
			FlushInterval: time.Duration(ec.StatsFlushInterval) * time.Millisecond,
			RingCapacity:  ec.DenialRingCapacity,
		}),
	}
	if ec.RistrettoNumCounter > 0 && ec.RistrettoMaxCost > 0 {
		opts = append(opts, WithRegexCache(RegexCacheConfig{
			NumCounters: ec.RistrettoNumCounter,
			MaxCost:     ec.RistrettoMaxCost,
			BufferItems: ec.RistrettoBuffer,
		}))
	}
	return opts
}

// RefreshInterval is the poll interval for a Refresher; zero disables polling.
func (ec EngineConfig) RefreshInterval() time.Duration {
	return time.Duration(ec.CacheRefreshInterval) * time.Millisecond
}

// NewEngineFromConfig builds an engine tuned by cfg.Engine and applies cfg.
// Explicit opts override the config.
func NewEngineFromConfig(ctx context.Context, store PolicyStore, cfg *Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := NewEngine(store, append(cfg.Engine.Options(), opts...)...)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyConfig(ctx, cfg); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	return e, nil
}

// ApplyConfig installs the listed core templates and upserts seed policies.
// Applying the same config twice leaves the store unchanged apart from
// UpdatedAt.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, id := range cfg.templateIDs() {
		if _, err := e.InitializeCorePolicy(ctx, id); err != nil {
			return fmt.Errorf("core template %s: %w", id, err)
		}
	}
	for _, pc := range cfg.Policies {
		p, err := pc.ToPolicy()
		if err != nil {
			return err
		}
		if _, err := e.store.LoadByID(ctx, p.PolicyID); errors.Is(err, ErrPolicyNotFound) {
			if _, err := e.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", p.PolicyID, err)
			}
			continue
		} else if err != nil {
			return fmt.Errorf("load policy %s: %w", p.PolicyID, err)
		}
		if _, err := e.UpdatePolicy(ctx, p); err != nil {
			return fmt.Errorf("update policy %s: %w", p.PolicyID, err)
		}
	}
	return e.RefreshCache(ctx, RefreshOptions{})
}
