// Package config loads daemon configuration and component declarations
// from YAML or JSON files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/flowstate/pkg/observability/otel"
)

// Defaults applied by Load.
const (
	DefaultListenAddr       = ":8080"
	DefaultSnapshotInterval = 10
	DefaultShutdownTimeout  = 10 * time.Second
)

// Persistence drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Broker drivers.
const (
	BrokerNone   = "none"
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
)

// Config is the daemon configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Tracing     otel.Config       `json:"tracing" yaml:"tracing"`

	// Components lists the declaration files to load on startup.
	Components []string `json:"components" yaml:"components"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`

	// JWTSecret enables bearer token authentication when non-empty.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`

	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
}

// PersistenceConfig selects the event and snapshot stores.
type PersistenceConfig struct {
	// Store is memory, sqlite or postgres.
	Store string `json:"store" yaml:"store"`

	// DSN is the sqlite path or postgres connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// SnapshotInterval is the number of transitions between snapshots
	// per instance.
	SnapshotInterval int `json:"snapshotInterval,omitempty" yaml:"snapshotInterval,omitempty"`

	// Restore rehydrates instances from snapshots on startup.
	Restore bool `json:"restore,omitempty" yaml:"restore,omitempty"`
}

// BrokerConfig selects the cross-process transport.
type BrokerConfig struct {
	// Driver is none, memory or nats.
	Driver string `json:"driver" yaml:"driver"`

	// URL is the NATS server URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// NodeName identifies this node in broker monitoring.
	NodeName string `json:"nodeName,omitempty" yaml:"nodeName,omitempty"`
}

// Default returns the configuration used when no file is given: memory
// stores, no broker, no auth.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Persistence: PersistenceConfig{
			Store:            StoreMemory,
			SnapshotInterval: DefaultSnapshotInterval,
			Restore:          true,
		},
		Broker: BrokerConfig{Driver: BrokerNone},
	}
}

// Load reads a YAML (or JSON, a YAML subset) config file and applies
// defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment overrides applied by ApplyEnv. Set variables win over the
// config file.
const (
	EnvListenAddr       = "FLOWSTATE_LISTEN_ADDR"
	EnvJWTSecret        = "FLOWSTATE_JWT_SECRET"
	EnvPersistenceStore = "FLOWSTATE_PERSISTENCE_STORE"
	EnvPersistenceDSN   = "FLOWSTATE_PERSISTENCE_DSN"
	EnvBrokerDriver     = "FLOWSTATE_BROKER_DRIVER"
	EnvBrokerURL        = "FLOWSTATE_BROKER_URL"
	EnvBrokerNodeName   = "FLOWSTATE_BROKER_NODE_NAME"
)

// ApplyEnv overrides daemon settings from the environment.
func (c *Config) ApplyEnv() {
	setFromEnv(EnvListenAddr, &c.Server.ListenAddr)
	setFromEnv(EnvJWTSecret, &c.Server.JWTSecret)
	setFromEnv(EnvPersistenceStore, &c.Persistence.Store)
	setFromEnv(EnvPersistenceDSN, &c.Persistence.DSN)
	setFromEnv(EnvBrokerDriver, &c.Broker.Driver)
	setFromEnv(EnvBrokerURL, &c.Broker.URL)
	setFromEnv(EnvBrokerNodeName, &c.Broker.NodeName)
}

func setFromEnv(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks driver names and required settings.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	switch c.Persistence.Store {
	case "", StoreMemory:
		c.Persistence.Store = StoreMemory
	case StoreSQLite, StorePostgres:
		if c.Persistence.DSN == "" {
			return fmt.Errorf("persistence store %s requires a dsn", c.Persistence.Store)
		}
	default:
		return fmt.Errorf("unknown persistence store %q", c.Persistence.Store)
	}
	if c.Persistence.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval cannot be negative")
	}

	switch c.Broker.Driver {
	case "", BrokerNone:
		c.Broker.Driver = BrokerNone
	case BrokerMemory, BrokerNATS:
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	return nil
}
