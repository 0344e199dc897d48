// Package config loads the daemon configuration from a YAML file, an
// optional .env file and RELAYDASH_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type API struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	ReadRetries int           `yaml:"read_retries" validate:"gte=0,lte=5"`
}

type Session struct {
	// TokenSecret enables signature checks on the session token.
	TokenSecret string `yaml:"token_secret"`
}

type Sync struct {
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	StaleAfter         time.Duration `yaml:"stale_after" validate:"gt=0"`
	MirrorTTL          time.Duration `yaml:"mirror_ttl" validate:"gtefield=StaleAfter"`
	MirrorDSN          string        `yaml:"mirror_dsn"`
	Debounce           time.Duration `yaml:"debounce" validate:"gte=0"`
	NotificationWindow time.Duration `yaml:"notification_window" validate:"gt=0"`
	MutationTimeout    time.Duration `yaml:"mutation_timeout" validate:"gt=0"`
}

type Push struct {
	Enabled   bool          `yaml:"enabled"`
	Transport string        `yaml:"transport" validate:"oneof=websocket mqtt"`
	URL       string        `yaml:"url" validate:"required_if=Enabled true Transport websocket"`
	Broker    string        `yaml:"broker" validate:"required_if=Enabled true Transport mqtt"`
	Topic     string        `yaml:"topic"`
	ClientID  string        `yaml:"client_id"`
	Backoff   time.Duration `yaml:"backoff" validate:"gt=0"`
	Roles     []string      `yaml:"roles"`
}

type Signals struct {
	VisibilityFile string        `yaml:"visibility_file"`
	ProbeAddress   string        `yaml:"probe_address"`
	ProbeInterval  time.Duration `yaml:"probe_interval" validate:"gt=0"`
}

type HTTP struct {
	Listen         string   `yaml:"listen" validate:"required"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      int      `yaml:"rate_limit" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type Config struct {
	API     API               `yaml:"api"`
	Session Session           `yaml:"session"`
	Sync    Sync              `yaml:"sync"`
	Push    Push              `yaml:"push"`
	Signals Signals           `yaml:"signals"`
	Badges  map[string]string `yaml:"badges" validate:"dive,keys,startswith=/,endkeys,oneof=locates work_orders"`
	HTTP    HTTP              `yaml:"http"`
	Log     Log               `yaml:"log"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL:     "http://127.0.0.1:8080",
			Timeout:     15 * time.Second,
			ReadRetries: 2,
		},
		Sync: Sync{
			PollInterval:       10 * time.Second,
			StaleAfter:         5 * time.Second,
			MirrorTTL:          8 * time.Second,
			Debounce:           100 * time.Millisecond,
			NotificationWindow: 30 * 24 * time.Hour,
			MutationTimeout:    30 * time.Second,
		},
		Push: Push{
			Transport: "websocket",
			Topic:     "relaydash/updates",
			ClientID:  "relaydash",
			Backoff:   5 * time.Second,
			Roles:     []string{"admin", "manager"},
		},
		Signals: Signals{ProbeInterval: 5 * time.Second},
		Badges: map[string]string{
			"/locates":     "locates",
			"/work-orders": "work_orders",
		},
		HTTP: HTTP{Listen: "127.0.0.1:8787", RateLimit: 600},
		Log:  Log{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), then envFile (optional, missing is fine),
// then the environment, and validates the result.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays RELAYDASH_* variables. Unparseable values keep the
// current setting.
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.API.BaseURL = envOrDefault(getenv, "RELAYDASH_BASE_URL", c.API.BaseURL)
	c.API.Token = envOrDefault(getenv, "RELAYDASH_TOKEN", c.API.Token)
	c.API.Timeout = durationEnv(getenv, "RELAYDASH_TIMEOUT", c.API.Timeout)
	c.API.ReadRetries = intEnv(getenv, "RELAYDASH_READ_RETRIES", c.API.ReadRetries)
	c.Session.TokenSecret = envOrDefault(getenv, "RELAYDASH_TOKEN_SECRET", c.Session.TokenSecret)
	c.Sync.PollInterval = durationEnv(getenv, "RELAYDASH_POLL_INTERVAL", c.Sync.PollInterval)
	c.Sync.StaleAfter = durationEnv(getenv, "RELAYDASH_STALE_AFTER", c.Sync.StaleAfter)
	c.Sync.MirrorTTL = durationEnv(getenv, "RELAYDASH_MIRROR_TTL", c.Sync.MirrorTTL)
	c.Sync.MirrorDSN = envOrDefault(getenv, "RELAYDASH_MIRROR_DSN", c.Sync.MirrorDSN)
	c.Sync.Debounce = durationEnv(getenv, "RELAYDASH_DEBOUNCE", c.Sync.Debounce)
	c.Push.Enabled = boolEnv(getenv, "RELAYDASH_PUSH_ENABLED", c.Push.Enabled)
	c.Push.Transport = envOrDefault(getenv, "RELAYDASH_PUSH_TRANSPORT", c.Push.Transport)
	c.Push.URL = envOrDefault(getenv, "RELAYDASH_PUSH_URL", c.Push.URL)
	c.Push.Broker = envOrDefault(getenv, "RELAYDASH_PUSH_BROKER", c.Push.Broker)
	c.Push.Topic = envOrDefault(getenv, "RELAYDASH_PUSH_TOPIC", c.Push.Topic)
	if roles := strings.TrimSpace(getenv("RELAYDASH_PUSH_ROLES")); roles != "" {
		c.Push.Roles = splitList(roles)
	}
	c.Signals.VisibilityFile = envOrDefault(getenv, "RELAYDASH_VISIBILITY_FILE", c.Signals.VisibilityFile)
	c.Signals.ProbeAddress = envOrDefault(getenv, "RELAYDASH_PROBE_ADDRESS", c.Signals.ProbeAddress)
	c.HTTP.Listen = envOrDefault(getenv, "RELAYDASH_LISTEN", c.HTTP.Listen)
	c.HTTP.Token = envOrDefault(getenv, "RELAYDASH_BRIDGE_TOKEN", c.HTTP.Token)
	c.HTTP.RateLimit = intEnv(getenv, "RELAYDASH_RATE_LIMIT", c.HTTP.RateLimit)
	if origins := strings.TrimSpace(getenv("RELAYDASH_ALLOWED_ORIGINS")); origins != "" {
		c.HTTP.AllowedOrigins = splitList(origins)
	}
	c.Log.Level = envOrDefault(getenv, "RELAYDASH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault(getenv, "RELAYDASH_LOG_FORMAT", c.Log.Format)
}

var validate = validator.New()

// ValidationError lists every failing field as field -> rule.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+" ("+tag+")")
	}
	sort.Strings(parts)
	return "invalid config: " + strings.Join(parts, ", ")
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: map[string]string{}}
	for _, fe := range verrs {
		out.Fields[fe.Namespace()] = fe.Tag()
	}
	return out
}

func envOrDefault(getenv func(string) string, name, fallback string) string {
	value := strings.TrimSpace(getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func intEnv(getenv func(string) string, name string, fallback int) int {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(getenv func(string) string, name string, fallback bool) bool {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
