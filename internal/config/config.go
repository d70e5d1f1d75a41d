package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "ERDSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabaseDSN         = "erdsync.db"
	defaultStorageRoot         = "data"
	defaultAuthIssuer          = "erdsync-auth"
	defaultCookieName          = "access_token"
	defaultTokenTTLMinutes     = 60
	defaultDiagramTTLSeconds   = 3600
	defaultSweepSeconds        = 60
	defaultDebounceMillis      = 5000
	defaultPingIntervalSeconds = 25
	defaultReadTimeoutSeconds  = 60
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabaseDSN         string
	StorageRoot         string
	AuthSigningSecret   string
	AuthIssuer          string
	AuthCookieName      string
	TokenTTL            time.Duration
	DiagramTTL          time.Duration
	SweepInterval       time.Duration
	DebounceDelay       time.Duration
	RealtimePing        time.Duration
	RealtimeReadTimeout time.Duration
	LogLevel            string
	LogEncoding         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cache.diagram_ttl_seconds", defaultDiagramTTLSeconds)
	configViper.SetDefault("cache.sweep_interval_seconds", defaultSweepSeconds)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("realtime.ping_interval_seconds", defaultPingIntervalSeconds)
	configViper.SetDefault("realtime.read_timeout_seconds", defaultReadTimeoutSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		StorageRoot:         configViper.GetString("storage.root"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		AuthCookieName:      configViper.GetString("auth.cookie_name"),
		TokenTTL:            time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DiagramTTL:          time.Duration(configViper.GetInt("cache.diagram_ttl_seconds")) * time.Second,
		SweepInterval:       time.Duration(configViper.GetInt("cache.sweep_interval_seconds")) * time.Second,
		DebounceDelay:       time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		RealtimePing:        time.Duration(configViper.GetInt("realtime.ping_interval_seconds")) * time.Second,
		RealtimeReadTimeout: time.Duration(configViper.GetInt("realtime.read_timeout_seconds")) * time.Second,
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.DiagramTTL <= 0 {
		return fmt.Errorf("cache.diagram_ttl_seconds must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval_seconds must be positive")
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.RealtimePing <= 0 || c.RealtimeReadTimeout <= c.RealtimePing {
		return fmt.Errorf("realtime.read_timeout_seconds must exceed realtime.ping_interval_seconds")
	}
	return nil
}
