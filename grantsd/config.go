package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"lockbox.dev/authz/grants"
	"lockbox.dev/authz/grants/chain"
)

// Config is grantsd's configuration, read from grantsd.yaml and
// AUTHZGRANTS_-prefixed environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	Prefix   string `mapstructure:"prefix"`
	LogLevel string `mapstructure:"log_level"`
	Metrics  bool   `mapstructure:"metrics"`
}

// StorageConfig selects and configures the grant store.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres, datastore, or jsonfile.
	Driver    string          `mapstructure:"driver"`
	Path      string          `mapstructure:"path"`
	DSN       string          `mapstructure:"dsn"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
}

// DatastoreConfig configures the Cloud Datastore store.
type DatastoreConfig struct {
	Project     string `mapstructure:"project"`
	Credentials string `mapstructure:"credentials"`
	Namespace   string `mapstructure:"namespace"`
}

// SyncConfig configures fetching grants from chains.
type SyncConfig struct {
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`

	// Chains maps chain IDs to LCD base URLs.
	Chains map[string]string `mapstructure:"chains"`
}

// LoadConfig reads the configuration. An explicit path must exist; otherwise
// grantsd.yaml is looked for in the working directory and /etc/grantsd, and
// is optional.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("grantsd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/grantsd")
	}

	setDefaults(v)

	v.SetEnvPrefix("AUTHZGRANTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:4002")
	v.SetDefault("server.prefix", "/v1")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.metrics", true)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/grants.sqlite")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.datastore.project", "")
	v.SetDefault("storage.datastore.credentials", "")
	v.SetDefault("storage.datastore.namespace", "")

	v.SetDefault("sync.fetch_timeout", grants.DefaultFetchTimeout.String())
	v.SetDefault("sync.requests_per_second", chain.DefaultRequestsPerSecond)
	v.SetDefault("sync.chains", map[string]string{})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case driverMemory, driverSQLite, driverPostgres, driverDatastore, driverJSONFile:
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == driverPostgres && c.Storage.DSN == "" {
		return errors.New("config: storage.dsn is required for the postgres driver")
	}
	if c.Storage.Driver == driverDatastore && c.Storage.Datastore.Project == "" {
		return errors.New("config: storage.datastore.project is required for the datastore driver")
	}
	if (c.Storage.Driver == driverSQLite || c.Storage.Driver == driverJSONFile) && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required for the %s driver", c.Storage.Driver)
	}
	return nil
}
