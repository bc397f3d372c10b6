package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func agentCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "hostwatch-agent"}
	AddAgentFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func collectorCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "hostwatch-collector"}
	AddCollectorFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

const agentYAML = `
collector:
  url: ws://collector.example:8443/agent
  client_key: k1
  report_delay: 2
  ping_timeout: 500ms
agent:
  workers: 2
  modules: [cpu, filesystem]
  cpu_fetch_every: 15
  filesystem_expires_after: 10m
  probes:
    filesystem:
      ignore_fstypes: [tmpfs, overlay]
  external:
    raid:
      command: [/usr/local/bin/raid-probe, --json]
      timeout: 20s
`

func TestLoadAgentConfig(t *testing.T) {
	cfg, err := LoadAgentConfig(agentCommand(t, "--config", writeConfig(t, agentYAML)))
	require.NoError(t, err)

	assert.Equal(t, "ws://collector.example:8443/agent", cfg.Collector.URL)
	assert.Equal(t, 2*time.Second, cfg.Collector.ReportDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Collector.PingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Collector.ConnectTimeout, "unset keys keep their defaults")
	assert.Equal(t, 2, cfg.Agent.Workers)
	assert.Equal(t, []string{"cpu", "filesystem"}, cfg.Agent.Modules)

	assert.Equal(t, 15*time.Second, cfg.Agent.FetchEvery("cpu"))
	assert.Equal(t, 60*time.Second, cfg.Agent.FetchEvery("filesystem"))
	assert.Equal(t, 10*time.Minute, cfg.Agent.ExpiresAfter("filesystem"))
	assert.Equal(t, 300*time.Second, cfg.Agent.ExpiresAfter("cpu"))
	assert.Equal(t, []string{"cpu_fetch_every", "filesystem_expires_after"}, cfg.Agent.OverrideKeys())

	require.Contains(t, cfg.Agent.Probes, "filesystem")
	assert.Contains(t, cfg.Agent.Probes["filesystem"], "ignore_fstypes")

	require.Contains(t, cfg.Agent.External, "raid")
	assert.Equal(t, []string{"/usr/local/bin/raid-probe", "--json"}, cfg.Agent.External["raid"].Command)
	assert.Equal(t, 20*time.Second, cfg.Agent.External["raid"].Timeout)
}

func TestAgentFlagAndEnvOverrides(t *testing.T) {
	t.Setenv("HOSTWATCH_COLLECTOR_CLIENT_KEY", "from-env")
	path := writeConfig(t, agentYAML)

	cfg, err := LoadAgentConfig(agentCommand(t, "--config", path, "--collector-url", "wss://other:9000/agent", "--log-level", "debug"))
	require.NoError(t, err)
	assert.Equal(t, "wss://other:9000/agent", cfg.Collector.URL)
	assert.Equal(t, "from-env", cfg.Collector.ClientKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesKeysAbsentFromFile(t *testing.T) {
	t.Setenv("HOSTWATCH_COLLECTOR_CLIENT_KEY", "from-env")
	t.Setenv("HOSTWATCH_COLLECTOR_REPORT_DELAY", "7s")
	t.Setenv("HOSTWATCH_COLLECTOR_SERVER_KO_GRACE", "2m")
	t.Setenv("HOSTWATCH_AGENT_WORKERS", "3")

	cfg, err := LoadAgentConfig(agentCommand(t))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Collector.ReportDelay)
	assert.Equal(t, 2*time.Minute, cfg.Collector.ServerKOGrace)
	assert.Equal(t, 3, cfg.Agent.Workers)
	assert.Equal(t, 10*time.Second, cfg.Collector.ConnectTimeout)
	assert.Equal(t, DefaultModules, cfg.Agent.Modules)
}

func TestCollectorEnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("HOSTWATCH_AUTH_CLIENT_KEYS", "k1,k2")
	t.Setenv("HOSTWATCH_LEADER_TTL", "45s")
	t.Setenv("HOSTWATCH_INGEST_IDLE_TIMEOUT", "20s")

	cfg, err := LoadCollectorConfig(collectorCommand(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.ClientKeys)
	assert.Equal(t, 45*time.Second, cfg.Leader.TTL)
	assert.Equal(t, 20*time.Second, cfg.Ingest.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Alerts.Interval, "unset keys keep their defaults")
}

func TestAgentConfigRejectsUnknownOption(t *testing.T) {
	path := writeConfig(t, `
collector:
  client_key: k1
agent:
  cpu_fetch_evry: 10
`)
	_, err := LoadAgentConfig(agentCommand(t, "--config", path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu_fetch_evry")
}

func TestAgentConfigRequiresClientKey(t *testing.T) {
	_, err := LoadAgentConfig(agentCommand(t))
	assert.Error(t, err)
}

func TestParseSeconds(t *testing.T) {
	cases := map[string]struct {
		in   interface{}
		want time.Duration
	}{
		"int":      {30, 30 * time.Second},
		"float":    {1.5, 1500 * time.Millisecond},
		"numeric":  {"45", 45 * time.Second},
		"duration": {"2m", 2 * time.Minute},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := parseSeconds(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := parseSeconds("soon")
	assert.Error(t, err)
}

func TestLoadCollectorConfig(t *testing.T) {
	path := writeConfig(t, `
auth:
  client_keys: [k1, k2]
storage:
  driver: postgres
  dsn: postgres://hostwatch@db/hostwatch
retention:
  minute: 3600
  year: 8760h
alerts:
  publisher: redis
  redis_addr: redis:6379
leader:
  ttl: 30
`)
	cfg, err := LoadCollectorConfig(collectorCommand(t, "--config", path, "--listen", "127.0.0.1:9443"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9443", cfg.Server.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.ClientKeys)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, time.Hour, cfg.Retention.Minute)
	assert.Equal(t, 8760*time.Hour, cfg.Retention.Year)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Second)
	assert.Equal(t, "hostwatch:alerts", cfg.Alerts.Stream)
	assert.Equal(t, 30*time.Second, cfg.Leader.TTL)
	assert.Equal(t, "hostwatch:leader", cfg.Leader.Key)

	byName := cfg.Retention.ByName()
	assert.Len(t, byName, 7)
	assert.Equal(t, time.Hour, byName["minute"])
}

func TestCollectorConfigValidation(t *testing.T) {
	// No client keys.
	_, err := LoadCollectorConfig(collectorCommand(t))
	require.Error(t, err)

	// Redis publisher without an address.
	path := writeConfig(t, `
auth:
  client_keys: [k1]
alerts:
  publisher: redis
`)
	_, err = LoadCollectorConfig(collectorCommand(t, "--config", path))
	require.Error(t, err)

	// Lease too short to renew.
	path = writeConfig(t, `
auth:
  client_keys: [k1]
leader:
  ttl: 1s
`)
	_, err = LoadCollectorConfig(collectorCommand(t, "--config", path))
	require.Error(t, err)
}
