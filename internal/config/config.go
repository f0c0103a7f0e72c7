package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/telemetry"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Server      struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB        DBConfig `mapstructure:"db"`
	Manifests struct {
		Source       string `mapstructure:"source"` // file or db
		Dir          string `mapstructure:"dir"`
		Watch        bool   `mapstructure:"watch"`
		OwnerPattern string `mapstructure:"owner_pattern"`
	} `mapstructure:"manifests"`
	Dispatcher struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		RecordOutcomes bool          `mapstructure:"record_outcomes"`
	} `mapstructure:"dispatcher"`
	Invoker struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"invoker"`
	MetricsSource struct {
		Kind       string `mapstructure:"kind"` // outcomes or http
		URL        string `mapstructure:"url"`
		MinSamples int    `mapstructure:"min_samples"`
	} `mapstructure:"metrics_source"`
	Lifecycle struct {
		Enabled     bool          `mapstructure:"enabled"`
		Interval    time.Duration `mapstructure:"interval"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"lifecycle"`
	Logging   logging.Config `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`

	// ConfigFile is the file viper read, empty when running on defaults.
	ConfigFile string `mapstructure:"-"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	Driver     string `mapstructure:"driver"` // postgres, sqlite or empty for none
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SSLMode    string `mapstructure:"sslmode"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// PostgresDSN builds a libpq style connection string.
func (c DBConfig) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches for config.yaml in . and ./config; a missing file
// is not an error and leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("db.driver", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "dispatcher")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "dispatcher")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.sqlite_path", "dispatcher.db")

	v.SetDefault("manifests.source", "file")
	v.SetDefault("manifests.dir", "./manifests")
	v.SetDefault("manifests.watch", true)
	v.SetDefault("manifests.owner_pattern", `^team-[a-z][a-z0-9-]*$`)

	v.SetDefault("dispatcher.default_timeout", 30*time.Second)
	v.SetDefault("dispatcher.record_outcomes", true)

	v.SetDefault("invoker.base_url", "http://localhost:9000")
	v.SetDefault("invoker.timeout", 60*time.Second)

	v.SetDefault("metrics_source.kind", "outcomes")
	v.SetDefault("metrics_source.url", "")
	v.SetDefault("metrics_source.min_samples", 100)

	v.SetDefault("lifecycle.enabled", true)
	v.SetDefault("lifecycle.interval", 5*time.Minute)
	v.SetDefault("lifecycle.concurrency", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.service", "process-dispatcher")

	v.SetDefault("telemetry.service_name", "process-dispatcher")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.trace_exporter", "none")
	v.SetDefault("telemetry.metric_exporter", "prometheus")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.otlp_insecure", true)

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
}

func (c *Config) validate() error {
	switch c.Manifests.Source {
	case "file":
		if c.Manifests.Dir == "" {
			return errors.New("config: manifests.dir is required for the file source")
		}
	case "db":
		if c.DB.Driver == "" {
			return errors.New("config: manifests.source=db requires db.driver")
		}
	default:
		return fmt.Errorf("config: unknown manifests.source %q", c.Manifests.Source)
	}
	switch c.DB.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown db.driver %q", c.DB.Driver)
	}
	switch c.MetricsSource.Kind {
	case "outcomes", "http":
	default:
		return fmt.Errorf("config: unknown metrics_source.kind %q", c.MetricsSource.Kind)
	}
	if c.MetricsSource.Kind == "http" && c.MetricsSource.URL == "" {
		return errors.New("config: metrics_source.url is required for the http metrics source")
	}
	if c.Dispatcher.DefaultTimeout <= 0 {
		return errors.New("config: dispatcher.default_timeout must be positive")
	}
	return nil
}
