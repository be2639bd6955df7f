package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// CatalogSourceType selects how notification batches are fetched
type CatalogSourceType string

const (
	CatalogHTTP  CatalogSourceType = "http"  // Poll a JSON endpoint
	CatalogNATS  CatalogSourceType = "nats"  // JetStream pull consumer
	CatalogKafka CatalogSourceType = "kafka" // Kafka topic reader
)

// StoreBackendType selects the authorization store backend
type StoreBackendType string

const (
	StoreMemory StoreBackendType = "memory"
	StoreSQLite StoreBackendType = "sqlite"
	StorePebble StoreBackendType = "pebble"
)

// FollowerConfiguration controls the notification follower loop
type FollowerConfiguration struct {
	ServerName     string `toml:"server_name"`      // Server component of every authorizable key
	PollIntervalMS int    `toml:"poll_interval_ms"` // Delay between poll cycles
	BatchSize      int    `toml:"batch_size"`       // Max events fetched per poll
	SyncOnCreate   bool   `toml:"sync_on_create"`   // Defensive privilege drop on create events
	RetryBackoffMS int    `toml:"retry_backoff_ms"` // Delay before retrying a failed batch
}

// CatalogConfiguration for the notification source
type CatalogConfiguration struct {
	Source           CatalogSourceType `toml:"source"`
	URL              string            `toml:"url"` // HTTP poll endpoint
	NatsURL          string            `toml:"nats_url"`
	Subject          string            `toml:"subject"` // NATS stream subject
	Brokers          []string          `toml:"brokers"` // Kafka brokers
	Topic            string            `toml:"topic"`   // Kafka topic
	RequestTimeoutMS int               `toml:"request_timeout_ms"`
}

// StoreConfiguration for the authorization store backend
type StoreConfiguration struct {
	Backend       StoreBackendType `toml:"backend"`
	Path          string           `toml:"path"`            // SQLite file or Pebble directory
	BusyTimeoutMS int              `toml:"busy_timeout_ms"` // SQLite busy timeout
	CacheSize     int              `toml:"cache_size"`      // Path-mapping read cache entries
}

// FilterConfiguration limits which catalog objects are synchronized.
// Empty patterns match everything.
type FilterConfiguration struct {
	Databases []string `toml:"databases"` // Glob patterns for database names
	Tables    []string `toml:"tables"`    // Glob patterns for table names
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// TelemetryConfiguration for Prometheus metrics
type TelemetryConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the inspection HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"` // Follower identity (0 = derive from machine id)

	Follower  FollowerConfiguration  `toml:"follower"`
	Catalog   CatalogConfiguration   `toml:"catalog"`
	Store     StoreConfiguration     `toml:"store"`
	Filter    FilterConfiguration    `toml:"filter"`
	Logging   LoggingConfiguration   `toml:"logging"`
	Telemetry TelemetryConfiguration `toml:"telemetry"`
	Admin     AdminConfiguration     `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	StorePathFlag  = flag.String("store-path", "", "Store path (overrides config)")
	CatalogURLFlag = flag.String("catalog-url", "", "Catalog HTTP URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate

	Follower: FollowerConfiguration{
		ServerName:     "server1",
		PollIntervalMS: 500,
		BatchSize:      100,
		SyncOnCreate:   false,
		RetryBackoffMS: 2000,
	},

	Catalog: CatalogConfiguration{
		Source:           CatalogHTTP,
		URL:              "http://localhost:9083/notifications",
		Subject:          "catalog.notifications",
		Topic:            "catalog-notifications",
		RequestTimeoutMS: 5000,
	},

	Store: StoreConfiguration{
		Backend:       StoreSQLite,
		Path:          "./sentry-core.db",
		BusyTimeoutMS: 5000,
		CacheSize:     1024,
	},

	Filter: FilterConfiguration{},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Telemetry: TelemetryConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8080,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *StorePathFlag != "" {
		Config.Store.Path = *StorePathFlag
	}
	if *CatalogURLFlag != "" {
		Config.Catalog.URL = *CatalogURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// generateInstanceID creates a unique follower ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("sentry-core")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Follower.ServerName == "" {
		return fmt.Errorf("follower server_name must not be empty")
	}

	if Config.Follower.PollIntervalMS < 1 {
		return fmt.Errorf("follower poll interval must be >= 1ms")
	}

	if Config.Follower.BatchSize < 1 {
		return fmt.Errorf("follower batch size must be >= 1")
	}

	if Config.Follower.RetryBackoffMS < 0 {
		return fmt.Errorf("follower retry backoff must be >= 0")
	}

	switch Config.Catalog.Source {
	case CatalogHTTP:
		if Config.Catalog.URL == "" {
			return fmt.Errorf("http catalog source requires url")
		}
	case CatalogNATS:
		if Config.Catalog.NatsURL == "" {
			return fmt.Errorf("nats catalog source requires nats_url")
		}
	case CatalogKafka:
		if len(Config.Catalog.Brokers) == 0 {
			return fmt.Errorf("kafka catalog source requires at least one broker")
		}
	default:
		return fmt.Errorf("invalid catalog source: %s", Config.Catalog.Source)
	}

	if Config.Catalog.RequestTimeoutMS < 1 {
		return fmt.Errorf("catalog request timeout must be >= 1ms")
	}

	switch Config.Store.Backend {
	case StoreMemory:
	case StoreSQLite, StorePebble:
		if Config.Store.Path == "" {
			return fmt.Errorf("%s store requires a path", Config.Store.Backend)
		}
	default:
		return fmt.Errorf("invalid store backend: %s", Config.Store.Backend)
	}

	if Config.Store.BusyTimeoutMS < 0 {
		return fmt.Errorf("store busy timeout must be >= 0")
	}

	if Config.Store.CacheSize < 0 {
		return fmt.Errorf("store cache size must be >= 0")
	}

	if Config.Telemetry.Enabled && (Config.Telemetry.Port < 1 || Config.Telemetry.Port > 65535) {
		return fmt.Errorf("invalid telemetry port: %d", Config.Telemetry.Port)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}
