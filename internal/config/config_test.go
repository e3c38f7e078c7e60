package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/websocket", cfg.Stream.URL)
	assert.Equal(t, 5*time.Second, ReconnectDelay(cfg))
	assert.Equal(t, 10*time.Second, Heartbeat(cfg))
	assert.Equal(t, 8*time.Second, HelpDuration(cfg))
	assert.Equal(t, 30*time.Second, APITimeout(cfg))
	assert.Equal(t, "@every 30s", cfg.Admin.PollSchedule)
	assert.NotEmpty(t, cfg.Kiosk.ID, "a kiosk id is generated when none is configured")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://queue.example.org
stream:
  url: wss://queue.example.org/ws/websocket
  reconnect_delay: 2s
kiosk:
  id: lobby-1
staff:
  counter_id: 3
`), 0o600))
	t.Setenv("MEDQUEUE_STAFF_SERVICE_ID", "7")
	t.Setenv("MEDQUEUE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://queue.example.org", cfg.API.BaseURL)
	assert.Equal(t, 2*time.Second, ReconnectDelay(cfg))
	assert.Equal(t, "lobby-1", cfg.Kiosk.ID)
	assert.EqualValues(t, 3, cfg.Staff.CounterID)
	assert.EqualValues(t, 7, cfg.Staff.ServiceID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"api url":     func(c *Config) { c.API.BaseURL = "localhost:8080" },
		"stream url":  func(c *Config) { c.Stream.URL = "http://localhost/ws" },
		"duration":    func(c *Config) { c.Stream.Heartbeat = "ten seconds" },
		"burst":       func(c *Config) { c.API.Burst = 0 },
		"db path":     func(c *Config) { c.Database.Path = "" },
		"log format":  func(c *Config) { c.Logging.Format = "xml" },
		"connections": func(c *Config) { c.Database.MaxConnections = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, validate(cfg))
		})
	}
}
