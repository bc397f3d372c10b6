package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

// DefaultModules are the probes run when the configuration names none.
var DefaultModules = []string{"cpu", "memory", "filesystem", "host"}

const (
	fetchEverySuffix   = "_fetch_every"
	expiresAfterSuffix = "_expires_after"
)

// AgentConfig is the hostwatch-agent configuration.
type AgentConfig struct {
	Collector CollectorLink `yaml:"collector" mapstructure:"collector"`
	Agent     AgentSection  `yaml:"agent" mapstructure:"agent"`
	Alert     AlertConfig   `yaml:"alert" mapstructure:"alert"`
	Metrics   MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Log       LogConfig     `yaml:"log" mapstructure:"log"`
}

// CollectorLink configures the connection to the collector.
type CollectorLink struct {
	URL            string        `yaml:"url" mapstructure:"url" validate:"required,url"`
	ClientKey      string        `yaml:"client_key" mapstructure:"client_key" validate:"required"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gt=0"`
	PingTimeout    time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout" validate:"gt=0"`
	ReportDelay    time.Duration `yaml:"report_delay" mapstructure:"report_delay" validate:"gt=0"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay" validate:"gt=0"`
	ServerKOGrace  time.Duration `yaml:"server_ko_grace" mapstructure:"server_ko_grace" validate:"gte=0"`
}

// AgentSection configures probes and their scheduling.
type AgentSection struct {
	IdentFile           string                            `yaml:"ident_file" mapstructure:"ident_file"`
	Workers             int                               `yaml:"workers" mapstructure:"workers" validate:"min=1"`
	MisfireGrace        time.Duration                     `yaml:"misfire_grace" mapstructure:"misfire_grace" validate:"gt=0"`
	DefaultFetchEvery   time.Duration                     `yaml:"default_fetch_every" mapstructure:"default_fetch_every" validate:"gt=0"`
	DefaultExpiresAfter time.Duration                     `yaml:"default_expires_after" mapstructure:"default_expires_after" validate:"gt=0"`
	Modules             []string                          `yaml:"modules" mapstructure:"modules" validate:"dive,required"`
	Probes              map[string]map[string]interface{} `yaml:"probes" mapstructure:"probes"`
	External            map[string]ExternalProbeConfig    `yaml:"external" mapstructure:"external" validate:"dive"`

	// Overrides captures <probe>_fetch_every and <probe>_expires_after.
	Overrides map[string]interface{} `yaml:",inline" mapstructure:",remain"`
}

// ExternalProbeConfig describes an out-of-process probe.
type ExternalProbeConfig struct {
	Command []string      `yaml:"command" mapstructure:"command" validate:"min=1"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

// AlertConfig configures where outage alerts go besides the log.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
}

// MetricsConfig configures the optional /metrics and /health endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// NewDefaultAgentConfig returns the agent defaults.
func NewDefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Collector: CollectorLink{
			URL:            "ws://localhost:8443/agent",
			ConnectTimeout: 10 * time.Second,
			PingTimeout:    time.Second,
			ReportDelay:    5 * time.Second,
			ReconnectDelay: 10 * time.Second,
			ServerKOGrace:  5 * time.Minute,
		},
		Agent: AgentSection{
			Workers:             4,
			MisfireGrace:        5 * time.Second,
			DefaultFetchEvery:   60 * time.Second,
			DefaultExpiresAfter: 300 * time.Second,
			Probes:              map[string]map[string]interface{}{},
			External:            map[string]ExternalProbeConfig{},
		},
		Alert: AlertConfig{
			Timeout: 5 * time.Second,
		},
		Log: defaultLogConfig(),
	}
}

// LoadAgentConfig loads the agent configuration for cmd.
func LoadAgentConfig(cmd *cobra.Command) (*AgentConfig, error) {
	cfg := NewDefaultAgentConfig()
	err := load(cmd, cfg,
		map[string]string{
			FlagLogLevel:    "log.level",
			"collector-url": "collector.url",
			"metrics-addr":  "metrics.addr",
		},
		[]string{"collector.url", "collector.client_key", "alert.webhook_url"},
	)
	if err != nil {
		return nil, err
	}
	if len(cfg.Agent.Modules) == 0 {
		cfg.Agent.Modules = append([]string(nil), DefaultModules...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// AddAgentFlags registers the agent-specific flags.
func AddAgentFlags(cmd *cobra.Command) {
	d := NewDefaultAgentConfig()
	AddCommonFlags(cmd, d.Log.Level)
	cmd.PersistentFlags().String("collector-url", d.Collector.URL, "collector websocket URL")
	cmd.PersistentFlags().String("metrics-addr", d.Metrics.Addr, "address for /metrics and /health (empty disables)")
}

// Validate checks struct constraints and the per-probe overrides.
func (c *AgentConfig) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	for key, raw := range c.Agent.Overrides {
		if !strings.HasSuffix(key, fetchEverySuffix) && !strings.HasSuffix(key, expiresAfterSuffix) {
			return fmt.Errorf("unknown agent option %q", key)
		}
		d, err := parseSeconds(raw)
		if err != nil {
			return fmt.Errorf("agent.%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("agent.%s must be positive", key)
		}
	}
	return nil
}

// FetchEvery returns the run interval for probe, falling back to the default.
func (a AgentSection) FetchEvery(probe string) time.Duration {
	return a.override(probe+fetchEverySuffix, a.DefaultFetchEvery)
}

// ExpiresAfter returns how long a result of probe stays valid.
func (a AgentSection) ExpiresAfter(probe string) time.Duration {
	return a.override(probe+expiresAfterSuffix, a.DefaultExpiresAfter)
}

// OverrideKeys lists the configured per-probe overrides, sorted.
func (a AgentSection) OverrideKeys() []string {
	keys := make([]string, 0, len(a.Overrides))
	for k := range a.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a AgentSection) override(key string, fallback time.Duration) time.Duration {
	raw, ok := a.Overrides[key]
	if !ok {
		return fallback
	}
	d, err := parseSeconds(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseSeconds accepts numbers (seconds) and duration strings like "90s".
func parseSeconds(raw interface{}) (time.Duration, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return time.ParseDuration(s)
		}
	}
	secs, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, err
	}
	return secondsToDuration(secs), nil
}
