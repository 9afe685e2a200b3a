package abac

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:  1,
			Policies: []PolicyConfig{},
			Engine: EngineConfig{
				CacheRefreshInterval: 30000,
				StatsQueueSize:       defaultQueueSize,
				StatsFlushInterval:   defaultFlushInterval.Milliseconds(),
				DenialRingCapacity:   defaultRingCapacity,
				TopPolicies:          10,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// CoreTemplates adds template IDs to install; "*" means all.
func (b *ConfigBuilder) CoreTemplates(ids ...string) *ConfigBuilder {
	b.cfg.CoreTemplates = append(b.cfg.CoreTemplates, ids...)
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, PolicyToConfig(p))
	return b
}

func (b *ConfigBuilder) AddPolicyConfig(pc PolicyConfig) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, pc)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
