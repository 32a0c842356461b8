package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

const sample = `
http:
  addr: ":9090"
log:
  level: debug
  format: json
storage:
  path: /var/lib/remindflow/data.db
scheduler:
  tick_interval: 500ms
  workers: 4
dispatcher:
  default:
    max_retries: 4
    base_delay: 2s
  channels:
    sms:
      max_retries: 0
      rate_per_sec: 5
    email:
      send_timeout: 20s
desktop:
  command: notify-send
  args: ["-u", "critical"]
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "remindflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(writeFile(t, t.TempDir(), sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DefaultTimeout)
	assert.Equal(t, []string{"-u", "critical"}, cfg.Desktop.Args)

	pol := cfg.Dispatcher.Policies()
	assert.Equal(t, 4, pol.Default.MaxRetries)
	assert.Equal(t, 2*time.Second, pol.Default.BaseDelay)
	assert.Equal(t, 2.0, pol.Default.Multiplier)

	sms := pol.Channels[domain.ChannelSMS]
	assert.Equal(t, 0, sms.MaxRetries)
	assert.Equal(t, 5.0, sms.RatePerSec)
	assert.Equal(t, 2*time.Second, sms.BaseDelay)

	email := pol.Channels[domain.ChannelEmail]
	assert.Equal(t, 4, email.MaxRetries)
	assert.Equal(t, 20*time.Second, email.SendTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REMINDFLOW_HTTP_ADDR", ":7070")
	t.Setenv("REMINDFLOW_SCHEDULER_WORKERS", "12")
	t.Setenv("REMINDFLOW_DISPATCHER_DEFAULT_MAX_RETRIES", "1")
	t.Setenv("REMINDFLOW_SMS_WEBHOOK_URL", "https://sms.example.com/send")

	cfg, err := Load(writeFile(t, t.TempDir(), sample))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 12, cfg.Scheduler.Workers)
	assert.Equal(t, 1, cfg.Dispatcher.Policies().Default.MaxRetries)
	assert.Equal(t, "https://sms.example.com/send", cfg.SMS.WebhookURL)
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REMINDFLOW_STORAGE_PATH=/tmp/from-dotenv.db\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("REMINDFLOW_STORAGE_PATH") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.Storage.Path)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Addr, cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Dispatcher.Policies().Default.MaxRetries)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"log level":        "log:\n  level: loud\n",
		"log format":       "log:\n  format: xml\n",
		"unknown channel":  "dispatcher:\n  channels:\n    pigeon: {}\n",
		"negative retries": "dispatcher:\n  channels:\n    sms:\n      max_retries: -1\n",
		"multiplier":       "dispatcher:\n  default:\n    multiplier: 0.5\n",
		"negative delay":   "dispatcher:\n  channels:\n    sse:\n      base_delay: -1s\n",
		"email from":       "email:\n  host: smtp.example.com\n",
		"load limit":       "scheduler:\n  load_limit: -3\n",
		"bad yaml":         "http: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			_, err := Load(writeFile(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestExplicitZeroBaseDelay(t *testing.T) {
	t.Chdir(t.TempDir())
	body := "dispatcher:\n  default:\n    base_delay: 3s\n  channels:\n    sse:\n      base_delay: 0s\n    sms:\n      max_retries: 1\n"
	cfg, err := Load(writeFile(t, t.TempDir(), body))
	require.NoError(t, err)

	pol := cfg.Dispatcher.Policies()
	assert.Equal(t, 3*time.Second, pol.Default.BaseDelay)
	assert.Zero(t, pol.Channels[domain.ChannelSSE].BaseDelay)
	assert.Equal(t, 3*time.Second, pol.Channels[domain.ChannelSMS].BaseDelay)
}

func TestZeroBaseDelayFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REMINDFLOW_DISPATCHER_DEFAULT_BASE_DELAY", "0s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Dispatcher.Policies().Default.BaseDelay)
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, t.TempDir(), sample)

	got := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { got <- c })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// an invalid edit is ignored, the following valid one is delivered
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))
	time.Sleep(2 * debounceDelay)
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":6060\"\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, ":6060", cfg.HTTP.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not delivered")
	}
}
