package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL       string  `yaml:"base_url"`
		Timeout       string  `yaml:"timeout"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"api"`
	Stream struct {
		URL            string `yaml:"url"`
		Host           string `yaml:"host"`
		ReconnectDelay string `yaml:"reconnect_delay"`
		Heartbeat      string `yaml:"heartbeat"`
	} `yaml:"stream"`
	Admin struct {
		PollSchedule string `yaml:"poll_schedule"`
	} `yaml:"admin"`
	Display struct {
		RefreshSchedule string `yaml:"refresh_schedule"`
	} `yaml:"display"`
	Kiosk struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		HelpDuration string `yaml:"help_duration"`
	} `yaml:"kiosk"`
	Staff struct {
		CounterID int64 `yaml:"counter_id"`
		ServiceID int64 `yaml:"service_id"`
	} `yaml:"staff"`
	Database struct {
		Path           string `yaml:"path"`
		WALMode        bool   `yaml:"wal_mode"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"database"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Default() Config {
	var cfg Config
	cfg.API.BaseURL = "http://localhost:8080"
	cfg.API.Timeout = "30s"
	cfg.API.RatePerSecond = 10
	cfg.API.Burst = 20
	cfg.Stream.URL = "ws://localhost:8080/ws/websocket"
	cfg.Stream.Host = "localhost"
	cfg.Stream.ReconnectDelay = "5s"
	cfg.Stream.Heartbeat = "10s"
	cfg.Admin.PollSchedule = "@every 30s"
	cfg.Kiosk.Name = "Main Lobby Kiosk"
	cfg.Kiosk.HelpDuration = "8s"
	cfg.Database.Path = "./medqueue.db"
	cfg.Database.WALMode = true
	cfg.Database.MaxConnections = 4
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if strings.TrimSpace(cfg.Kiosk.ID) == "" {
		cfg.Kiosk.ID = uuid.NewString()
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func APITimeout(cfg Config) time.Duration {
	return durationOr(cfg.API.Timeout, 30*time.Second)
}

func ReconnectDelay(cfg Config) time.Duration {
	return durationOr(cfg.Stream.ReconnectDelay, 5*time.Second)
}

func Heartbeat(cfg Config) time.Duration {
	return durationOr(cfg.Stream.Heartbeat, 10*time.Second)
}

func HelpDuration(cfg Config) time.Duration {
	return durationOr(cfg.Kiosk.HelpDuration, 8*time.Second)
}

func durationOr(v string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(v))
	if d <= 0 {
		return fallback
	}
	return d
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("MEDQUEUE_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("MEDQUEUE_API_TIMEOUT"); v != "" {
		cfg.API.Timeout = v
	}
	if v := os.Getenv("MEDQUEUE_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("MEDQUEUE_STREAM_RECONNECT_DELAY"); v != "" {
		cfg.Stream.ReconnectDelay = v
	}
	if v := os.Getenv("MEDQUEUE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MEDQUEUE_DB_WAL"); v != "" {
		cfg.Database.WALMode = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("MEDQUEUE_KIOSK_ID"); v != "" {
		cfg.Kiosk.ID = v
	}
	if v := os.Getenv("MEDQUEUE_STAFF_COUNTER_ID"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Staff.CounterID = i
		}
	}
	if v := os.Getenv("MEDQUEUE_STAFF_SERVICE_ID"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Staff.ServiceID = i
		}
	}
	if v := os.Getenv("MEDQUEUE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MEDQUEUE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MEDQUEUE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func validate(cfg Config) error {
	if !hasScheme(cfg.API.BaseURL, "http://", "https://") {
		return errors.New("api.base_url must be an http(s) URL")
	}
	if !hasScheme(cfg.Stream.URL, "ws://", "wss://") {
		return errors.New("stream.url must be a ws(s) URL")
	}
	for name, v := range map[string]string{
		"api.timeout":            cfg.API.Timeout,
		"stream.reconnect_delay": cfg.Stream.ReconnectDelay,
		"stream.heartbeat":       cfg.Stream.Heartbeat,
		"kiosk.help_duration":    cfg.Kiosk.HelpDuration,
	} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("%s must be a non-negative duration", name)
		}
	}
	if cfg.API.RatePerSecond < 0 {
		return errors.New("api.rate_per_second must be >= 0")
	}
	if cfg.API.RatePerSecond > 0 && cfg.API.Burst <= 0 {
		return errors.New("api.burst must be > 0 when api.rate_per_second is set")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Database.MaxConnections <= 0 {
		return errors.New("database.max_connections must be > 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s", cfg.Logging.Format)
	}
	return nil
}

func hasScheme(raw string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(raw, s) && len(raw) > len(s) {
			return true
		}
	}
	return false
}
