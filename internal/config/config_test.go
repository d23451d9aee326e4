package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Europe/Berlin
  quota_miss_grace: 90s
coordinator:
  drain_poll: 100ms
  history_size: 50
storage:
  driver: sqlite
  path: ./data/macrosched.db
metrics:
  enabled: true
  addr: 127.0.0.1:9464
power:
  prevent_sleep: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLAndJSONAgree(t *testing.T) {
	y, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", y.Logging.Level)
	assert.Equal(t, "Europe/Berlin", y.Scheduler.Timezone)
	assert.Equal(t, 50, y.Coordinator.HistorySize)
	assert.True(t, y.Power.PreventSleep)

	j, err := Decode("config.json", []byte(`{
		"logging": {"level": "debug", "console": true},
		"scheduler": {"enabled": true, "timezone": "Europe/Berlin", "quota_miss_grace": "90s"},
		"coordinator": {"drain_poll": "100ms", "history_size": 50},
		"storage": {"driver": "sqlite", "path": "./data/macrosched.db"},
		"metrics": {"enabled": true, "addr": "127.0.0.1:9464"},
		"power": {"prevent_sleep": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, *y, *j)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"scheduler": {"enabled": true, "workers": 4}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("telegram:\n  token: x\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad duration", func(c *Config) { c.Coordinator.DrainPoll = "soon" }, "DrainPoll"},
		{"negative duration", func(c *Config) { c.Scheduler.QuotaMissGrace = "-1s" }, "QuotaMissGrace"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "Timezone"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "Addr"},
		{"unknown adapter", func(c *Config) { c.Player.Adapter = "xdotool" }, "Adapter"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			require.NoError(t, err)
			tc.mut(cfg)
			err = Validate(cfg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Driver = "file"
	err := ApplyEnv(cfg, map[string]string{
		"MACROSCHED_LOG_LEVEL":    "warn",
		"MACROSCHED_TIMEZONE":     "UTC",
		"MACROSCHED_STORAGE_PATH": "/var/lib/macrosched/store.json",
		"MACROSCHED_METRICS_ADDR": ":9464",
	})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/macrosched/store.json", cfg.Storage.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestManagerLoadAndReload(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnviron(map[string]string{})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	assert.False(t, m.reload(context.Background()))

	// an invalid edit keeps the old config
	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(sampleYAML, "drain_poll: 100ms", "drain_poll: nope", 1)), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Same(t, cfg, m.Get())

	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(sampleYAML, "level: debug", "level: info", 1)), 0o600))
	assert.True(t, m.reload(context.Background()))
	select {
	case got := <-sub:
		assert.Equal(t, "info", got.Logging.Level)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b := *a
	b.Scheduler.Timezone = "UTC"
	b.Storage.Path = "./other.db"

	sections, attrs := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"scheduler", "storage"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, sections)
}
