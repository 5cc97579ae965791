package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// DefaultConfigFile is read when CONFIG_FILE is not set. It is optional.
const DefaultConfigFile = "config.toml"

// Config holds all configuration for our application
type Config struct {
	Discord  Discord  `koanf:"discord"`
	Storage  Storage  `koanf:"storage"`
	Redis    Redis    `koanf:"redis"`
	Web      Web      `koanf:"web"`
	Schedule Schedule `koanf:"schedule"`
	Tracker  Tracker  `koanf:"tracker"`
	Log      Log      `koanf:"log"`
}

type Discord struct {
	Token string `koanf:"token"`
	AppID string `koanf:"app_id"`
}

type Storage struct {
	Backend     string `koanf:"backend"`
	DataDir     string `koanf:"data_dir"`
	DatabaseDSN string `koanf:"database_dsn"`
}

type Redis struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// Channel receives a copy of every live event.
	Channel string `koanf:"channel"`
}

type Web struct {
	Addr      string `koanf:"addr"`
	PublicURL string `koanf:"public_url"`
}

type Schedule struct {
	AutosaveInterval  time.Duration `koanf:"autosave_interval"`
	RefreshInterval   time.Duration `koanf:"refresh_interval"`
	BroadcastInterval time.Duration `koanf:"broadcast_interval"`
	StartupDelay      time.Duration `koanf:"startup_delay"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	PageSize          int           `koanf:"page_size"`
}

type Tracker struct {
	FoldOnMove bool `koanf:"fold_on_move"`
}

type Log struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Storage: Storage{Backend: BackendFile, DataDir: "data"},
		Redis:   Redis{Channel: "voiceboard:events"},
		Web:     Web{Addr: ":5000"},
		Schedule: Schedule{
			AutosaveInterval:  time.Minute,
			RefreshInterval:   time.Minute,
			BroadcastInterval: 30 * time.Second,
			StartupDelay:      10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			PageSize:          20,
		},
		Log: Log{Level: "info"},
	}
}

// Load loads configuration from .env, an optional TOML file and environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()
	return load(os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func load(lookup lookupFunc) (*Config, error) {
	config := Default()

	path, explicit := lookup("CONFIG_FILE")
	if path == "" {
		path, explicit = DefaultConfigFile, false
	}
	if err := loadFile(path, explicit, &config); err != nil {
		return nil, err
	}
	if err := applyEnv(lookup, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadFile(path string, required bool, config *Config) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("cannot read config file %s: %v", path, err)}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("invalid config file %s: %v", path, err)}
	}
	if err := k.Unmarshal("", config); err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("error unmarshaling config file %s: %v", path, err)}
	}
	return nil
}

func applyEnv(lookup lookupFunc, c *Config) error {
	strs := map[string]*string{
		"DISCORD_TOKEN":        &c.Discord.Token,
		"DISCORD_APP_ID":       &c.Discord.AppID,
		"STORAGE_BACKEND":      &c.Storage.Backend,
		"DATA_DIR":             &c.Storage.DataDir,
		"DATABASE_DSN":         &c.Storage.DatabaseDSN,
		"REDIS_ADDR":           &c.Redis.Addr,
		"REDIS_USERNAME":       &c.Redis.Username,
		"REDIS_PASSWORD":       &c.Redis.Password,
		"REDIS_EVENTS_CHANNEL": &c.Redis.Channel,
		"LOG_LEVEL":            &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"AUTOSAVE_INTERVAL":  &c.Schedule.AutosaveInterval,
		"REFRESH_INTERVAL":   &c.Schedule.RefreshInterval,
		"BROADCAST_INTERVAL": &c.Schedule.BroadcastInterval,
		"STARTUP_DELAY":      &c.Schedule.StartupDelay,
		"SHUTDOWN_TIMEOUT":   &c.Schedule.ShutdownTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: key, Message: fmt.Sprintf("%s must be a duration such as 30s or 1m: %q", key, v)}
		}
		*dst = d
	}

	ints := map[string]*int{
		"REDIS_DB":  &c.Redis.DB,
		"PAGE_SIZE": &c.Schedule.PageSize,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: key, Message: fmt.Sprintf("%s must be an integer: %q", key, v)}
		}
		*dst = n
	}

	bools := map[string]*bool{
		"TRACKER_FOLD_ON_MOVE": &c.Tracker.FoldOnMove,
		"LOG_DEVELOPMENT":      &c.Log.Development,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: key, Message: fmt.Sprintf("%s must be true or false: %q", key, v)}
		}
		*dst = b
	}

	if v, ok := lookup("WEB_ADDR"); ok && v != "" {
		c.Web.Addr = v
	} else if port, ok := lookup("PORT"); ok && port != "" {
		c.Web.Addr = ":" + port
	}
	for _, key := range []string{"PUBLIC_URL", "REPL_URL"} {
		if v, ok := lookup(key); ok && v != "" {
			c.Web.PublicURL = v
			break
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.DataDir == "" {
			return &ConfigError{Field: "DATA_DIR", Message: "DATA_DIR is required for the file backend"}
		}
	case BackendPostgres:
		if c.Storage.DatabaseDSN == "" {
			return &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN is required for the postgres backend"}
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return &ConfigError{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for the redis backend"}
		}
	case BackendMemory:
	default:
		return &ConfigError{
			Field:   "STORAGE_BACKEND",
			Message: fmt.Sprintf("STORAGE_BACKEND must be one of file, postgres, redis or memory: %q", c.Storage.Backend),
		}
	}

	positive := []struct {
		field string
		value time.Duration
	}{
		{"AUTOSAVE_INTERVAL", c.Schedule.AutosaveInterval},
		{"REFRESH_INTERVAL", c.Schedule.RefreshInterval},
		{"BROADCAST_INTERVAL", c.Schedule.BroadcastInterval},
		{"SHUTDOWN_TIMEOUT", c.Schedule.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigError{Field: p.field, Message: p.field + " must be positive"}
		}
	}
	if c.Schedule.StartupDelay < 0 {
		return &ConfigError{Field: "STARTUP_DELAY", Message: "STARTUP_DELAY must not be negative"}
	}
	if c.Schedule.PageSize < 1 || c.Schedule.PageSize > 30 {
		return &ConfigError{Field: "PAGE_SIZE", Message: "PAGE_SIZE must be between 1 and 30"}
	}
	if c.Redis.DB < 0 {
		return &ConfigError{Field: "REDIS_DB", Message: "REDIS_DB must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
