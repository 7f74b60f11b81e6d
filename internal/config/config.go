package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Mode selects how account data is fetched.
type Mode string

const (
	// ModePortal authenticates against the customer portal with a
	// username/password and reads contract-scoped data.
	ModePortal Mode = "portal"
	// ModeOpenData reads the public open data API, keyed by rate code
	// only. No credentials, no contract.
	ModeOpenData Mode = "opendata"
)

var (
	ErrMissingCredentials = errors.New("portal mode requires username and password")
	ErrMissingContract    = errors.New("portal mode requires a contract id")
	ErrMissingRateCode    = errors.New("rate code is required")
	ErrUnknownMode        = errors.New("unknown mode")
)

// Config holds all configuration for our application
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Hydro    HydroConfig    `mapstructure:"hydro" yaml:"hydro"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Host string `mapstructure:"host" yaml:"host"`
}

type DatabaseConfig struct {
	Host              string `mapstructure:"host" yaml:"host"`
	Port              int    `mapstructure:"port" yaml:"port"`
	Name              string `mapstructure:"name" yaml:"name"`
	User              string `mapstructure:"user" yaml:"user"`
	Password          string `mapstructure:"password" yaml:"password"`
	SSLMode           string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections    int    `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" yaml:"connection_timeout"`
}

// HydroConfig describes one account data source. The credential fields
// are meaningful only in portal mode; rate code is always required.
type HydroConfig struct {
	Mode            Mode   `mapstructure:"mode" yaml:"mode"`
	Username        string `mapstructure:"username" yaml:"username"`
	Password        string `mapstructure:"password" yaml:"password"`
	ContractID      string `mapstructure:"contract_id" yaml:"contract_id"`
	RateCode        string `mapstructure:"rate_code" yaml:"rate_code"`
	UpdateInterval  int    `mapstructure:"update_interval" yaml:"update_interval"`   // seconds
	PreheatDuration int    `mapstructure:"preheat_duration" yaml:"preheat_duration"` // minutes
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SessionParams is the resolved, mode-specific parameter set used to
// construct an API client session. Credential fields are populated only
// in portal mode.
type SessionParams struct {
	Mode       Mode
	Username   string
	Password   string
	ContractID string
	RateCode   string
}

// ConnString builds a lib/pq connection string for the statistics store.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Interval returns the refresh interval as a duration, falling back to
// the per-mode default when unset.
func (h HydroConfig) Interval() time.Duration {
	if h.UpdateInterval > 0 {
		return time.Duration(h.UpdateInterval) * time.Second
	}
	if h.Mode == ModeOpenData {
		return 5 * time.Minute
	}
	return time.Minute
}

// Preheat returns the configured pre-heat lead time, defaulting to two
// hours.
func (h HydroConfig) Preheat() time.Duration {
	if h.PreheatDuration > 0 {
		return time.Duration(h.PreheatDuration) * time.Minute
	}
	return 2 * time.Hour
}

// SessionParams validates the hydro section against its mode and
// resolves it into client construction parameters.
func (h HydroConfig) SessionParams() (SessionParams, error) {
	if h.RateCode == "" {
		return SessionParams{}, ErrMissingRateCode
	}

	switch h.Mode {
	case ModePortal:
		if h.Username == "" || h.Password == "" {
			return SessionParams{}, ErrMissingCredentials
		}
		if h.ContractID == "" {
			return SessionParams{}, ErrMissingContract
		}
		return SessionParams{
			Mode:       ModePortal,
			Username:   h.Username,
			Password:   h.Password,
			ContractID: h.ContractID,
			RateCode:   h.RateCode,
		}, nil
	case ModeOpenData:
		return SessionParams{
			Mode:     ModeOpenData,
			RateCode: h.RateCode,
		}, nil
	default:
		return SessionParams{}, fmt.Errorf("%w: %q", ErrUnknownMode, h.Mode)
	}
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	// Convert the map to YAML again
	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(strings.NewReader(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if _, err := config.Hydro.SessionParams(); err != nil {
		return nil, fmt.Errorf("invalid hydro config: %w", err)
	}

	return &config, nil
}

// setDefaults covers the service-level sections. The hydro section has
// no static defaults here; its interval and pre-heat fallbacks are
// mode-dependent and live on the HydroConfig accessors.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.connection_timeout", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
