// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/rangecrawler/internal/logging"
	"github.com/JakeFAU/rangecrawler/internal/telemetry"
)

// Storage providers accepted by storage.provider.
const (
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderPostgres = "postgres"
)

// DefaultQuery asks the upstream GraphQL API for one character by ID.
const DefaultQuery = `query ($id: Int!) {
  Character(id: $id) {
    id
    name { full native }
    image { large }
    description
    gender
    age
    dateOfBirth { year month day }
    bloodType
    siteUrl
    favourites
    media {
      edges {
        node {
          title { romaji english }
        }
      }
    }
  }
}`

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	IDs       IDsConfig        `mapstructure:"ids"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Proxies   ProxiesConfig    `mapstructure:"proxies"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Server    ServerConfig     `mapstructure:"server"`
	Logging   logging.Config   `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// IDsConfig bounds the enumerated ID space, both ends inclusive.
type IDsConfig struct {
	Start int64 `mapstructure:"start"`
	Max   int64 `mapstructure:"max"`
}

// SchedulerConfig governs admission control and dispatch pacing.
type SchedulerConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	DispatchDelayMin time.Duration `mapstructure:"dispatch_delay_min"`
	DispatchDelayMax time.Duration `mapstructure:"dispatch_delay_max"`
}

// FetchConfig configures the upstream request and its retry budget.
type FetchConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Query       string        `mapstructure:"query"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	PerProxyRPS float64       `mapstructure:"per_proxy_rps"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// ProxiesConfig locates the proxy list and its liveness probe.
type ProxiesConfig struct {
	File         string        `mapstructure:"file"`
	ProbeURL     string        `mapstructure:"probe_url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// ProgressConfig locates the progress state file.
type ProgressConfig struct {
	File string `mapstructure:"file"`
}

// StorageConfig selects where output records and failures are written.
type StorageConfig struct {
	Provider   string         `mapstructure:"provider"`
	FailureLog string         `mapstructure:"failure_log"`
	Local      LocalConfig    `mapstructure:"local"`
	GCS        GCSConfig      `mapstructure:"gcs"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// LocalConfig places one JSON file per record under Dir.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig names the bucket and object prefix for records.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PostgresConfig controls access to the relational record store.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	Table         string `mapstructure:"table"`
	FailuresTable string `mapstructure:"failures_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ids.start", 28824)
	v.SetDefault("ids.max", 999999)
	v.SetDefault("scheduler.max_concurrency", 3)
	v.SetDefault("scheduler.dispatch_delay_min", "1000ms")
	v.SetDefault("scheduler.dispatch_delay_max", "1500ms")
	v.SetDefault("fetch.endpoint", "https://graphql.anilist.co")
	v.SetDefault("fetch.query", DefaultQuery)
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.retry_delay", "2s")
	v.SetDefault("fetch.per_proxy_rps", 0)
	v.SetDefault("fetch.user_agent", "rangecrawler/0.1")
	v.SetDefault("proxies.file", "proxies.txt")
	v.SetDefault("proxies.probe_url", "https://api.ipify.org?format=json")
	v.SetDefault("proxies.probe_timeout", "5s")
	v.SetDefault("progress.file", "progress.json")
	v.SetDefault("storage.provider", ProviderLocal)
	v.SetDefault("storage.failure_log", "failures.txt")
	v.SetDefault("storage.local.dir", "records")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "records")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "records")
	v.SetDefault("storage.postgres.failures_table", "fetch_failures")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", telemetry.ExporterConsole)
	v.SetDefault("telemetry.service_name", "rangecrawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.IDs.Start < 0 {
		return fmt.Errorf("ids.start must be >= 0")
	}
	if c.IDs.Max < c.IDs.Start {
		return fmt.Errorf("ids.max must be >= ids.start")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if c.Scheduler.DispatchDelayMin < 0 {
		return fmt.Errorf("scheduler.dispatch_delay_min must be >= 0")
	}
	if c.Scheduler.DispatchDelayMax < c.Scheduler.DispatchDelayMin {
		return fmt.Errorf("scheduler.dispatch_delay_max must be >= scheduler.dispatch_delay_min")
	}
	if strings.TrimSpace(c.Fetch.Endpoint) == "" {
		return fmt.Errorf("fetch.endpoint must be set")
	}
	if strings.TrimSpace(c.Fetch.Query) == "" {
		return fmt.Errorf("fetch.query must be set")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.RetryDelay < 0 {
		return fmt.Errorf("fetch.retry_delay must be >= 0")
	}
	if c.Fetch.PerProxyRPS < 0 {
		return fmt.Errorf("fetch.per_proxy_rps must be >= 0")
	}
	if strings.TrimSpace(c.Proxies.File) == "" {
		return fmt.Errorf("proxies.file must be set")
	}
	if strings.TrimSpace(c.Proxies.ProbeURL) == "" {
		return fmt.Errorf("proxies.probe_url must be set")
	}
	if c.Proxies.ProbeTimeout <= 0 {
		return fmt.Errorf("proxies.probe_timeout must be > 0")
	}
	if strings.TrimSpace(c.Progress.File) == "" {
		return fmt.Errorf("progress.file must be set")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	switch s.Provider {
	case ProviderLocal:
		if strings.TrimSpace(s.Local.Dir) == "" {
			return fmt.Errorf("storage.local.dir must be set for the local provider")
		}
	case ProviderGCS:
		if strings.TrimSpace(s.GCS.Bucket) == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs provider")
		}
	case ProviderPostgres:
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres provider")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage.provider %q", s.Provider)
	}
	if strings.TrimSpace(s.FailureLog) == "" {
		return fmt.Errorf("storage.failure_log must be set")
	}
	return nil
}
