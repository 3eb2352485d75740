package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting for the sync engine and its control surface.
type Config struct {
	Backend BackendConfig
	Poll    PollConfig
	History HistoryConfig
	Store   StoreConfig
	NATS    NATSConfig
	API     APIConfig
	Log     LogConfig
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type PollConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
}

type HistoryConfig struct {
	PageSize int64
}

type StoreConfig struct {
	Driver            string // sqlite, sqlite3, keyring, memory
	Path              string
	KeyringService    string
	KeyringPassphrase string // file backend only
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type APIConfig struct {
	Addr      string
	JWTSecret string
	JWKSURL   string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

const envPrefix = "SWIFTSHIELD"

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("poll.initial_delay", 5*time.Second)
	v.SetDefault("poll.interval", 60*time.Second)
	v.SetDefault("history.page_size", 10)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/swiftshield.db")
	v.SetDefault("store.keyring_service", "swiftshield")
	v.SetDefault("store.keyring_passphrase", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "swiftshield.events")
	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwks_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads .env (if present), the optional config file, and SWIFTSHIELD_* env vars.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return FromViper(v)
}

// FromViper materialises a Config from an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(v.GetString("backend.base_url"), "/"),
			Timeout: v.GetDuration("backend.timeout"),
		},
		Poll: PollConfig{
			InitialDelay: v.GetDuration("poll.initial_delay"),
			Interval:     v.GetDuration("poll.interval"),
		},
		History: HistoryConfig{
			PageSize: v.GetInt64("history.page_size"),
		},
		Store: StoreConfig{
			Driver:            strings.ToLower(v.GetString("store.driver")),
			Path:              v.GetString("store.path"),
			KeyringService:    v.GetString("store.keyring_service"),
			KeyringPassphrase: v.GetString("store.keyring_passphrase"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		API: APIConfig{
			Addr:      v.GetString("api.addr"),
			JWTSecret: v.GetString("api.jwt_secret"),
			JWKSURL:   v.GetString("api.jwks_url"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.InitialDelay < 0 {
		errs = append(errs, errors.New("poll.initial_delay must not be negative"))
	}
	if c.History.PageSize <= 0 {
		errs = append(errs, errors.New("history.page_size must be positive"))
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3", "keyring", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	return errors.Join(errs...)
}
