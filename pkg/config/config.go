package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config - корневая структура конфигурации мастера
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Wire      WireConfig      `yaml:"wire" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Registry  RegistryConfig  `yaml:"registry" validate:"required"`
	Metadata  MetadataConfig  `yaml:"metadata" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// WireConfig covers the binary RPC listener range servers connect to.
type WireConfig struct {
	Listen        string `yaml:"listen" validate:"required,hostname_port"`
	Workers       int    `yaml:"workers" validate:"required,min=1"`
	MaxFrameBytes int    `yaml:"max_frame_bytes" validate:"required,min=64"`
}

// ServerConfig is the admin HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type RegistryConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration" validate:"required"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"required,ltfield=LeaseDuration"`
	EventBuffer   int           `yaml:"event_buffer" validate:"required,min=1"`
}

const (
	MetadataMemory    = "memory"
	MetadataZookeeper = "zookeeper"
	MetadataFile      = "file"
)

type MetadataConfig struct {
	Backend        string        `yaml:"backend" validate:"required,oneof=memory zookeeper file"`
	ZKServers      []string      `yaml:"zk_servers"`
	RootPath       string        `yaml:"root_path" validate:"required"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	IDBlockSize    uint64        `yaml:"id_block_size" validate:"required,min=1"`
	// Dir holds the journal of the file backend.
	Dir string `yaml:"dir"`
}

type DiscoveryConfig struct {
	MDNS     bool   `yaml:"mdns"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Wire: WireConfig{
			Listen:        "0.0.0.0:15860",
			Workers:       16,
			MaxFrameBytes: 64 * 1024,
		},
		Server: ServerConfig{
			Port: 15861,
		},
		Registry: RegistryConfig{
			LeaseDuration: 60 * time.Second,
			SweepInterval: 5 * time.Second,
			EventBuffer:   1024,
		},
		Metadata: MetadataConfig{
			Backend:        MetadataMemory,
			RootPath:       "/rangemaster",
			SessionTimeout: 10 * time.Second,
			IDBlockSize:    1000,
		},
		Discovery: DiscoveryConfig{
			MDNS:     false,
			Instance: "rangemaster",
			Service:  "_rangemaster._tcp",
		},
	}
}

// Validate enforces the constraints listed in the validate tags.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}

	if c.Wire.Listen == "" {
		errs = append(errs, errors.New("wire.listen: required"))
	}
	if c.Wire.Workers < 1 {
		errs = append(errs, fmt.Errorf("wire.workers: must be >= 1, got %d", c.Wire.Workers))
	}
	if c.Wire.MaxFrameBytes < 64 {
		errs = append(errs, fmt.Errorf("wire.max_frame_bytes: must be >= 64, got %d", c.Wire.MaxFrameBytes))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: out of range: %d", c.Server.Port))
	}

	if c.Registry.LeaseDuration <= 0 {
		errs = append(errs, errors.New("registry.lease_duration: must be positive"))
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry.sweep_interval: must be positive"))
	} else if c.Registry.SweepInterval >= c.Registry.LeaseDuration {
		errs = append(errs, fmt.Errorf("registry.sweep_interval (%s) must be shorter than lease_duration (%s)",
			c.Registry.SweepInterval, c.Registry.LeaseDuration))
	}
	if c.Registry.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("registry.event_buffer: must be >= 1, got %d", c.Registry.EventBuffer))
	}

	switch c.Metadata.Backend {
	case MetadataMemory:
	case MetadataZookeeper:
		if len(c.Metadata.ZKServers) == 0 {
			errs = append(errs, errors.New("metadata.zk_servers: required for zookeeper backend"))
		}
	case MetadataFile:
		if c.Metadata.Dir == "" {
			errs = append(errs, errors.New("metadata.dir: required for file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.backend: unknown backend %q", c.Metadata.Backend))
	}
	if !strings.HasPrefix(c.Metadata.RootPath, "/") {
		errs = append(errs, fmt.Errorf("metadata.root_path: must be absolute, got %q", c.Metadata.RootPath))
	}
	if c.Metadata.IDBlockSize < 1 {
		errs = append(errs, errors.New("metadata.id_block_size: must be >= 1"))
	}

	if c.Discovery.MDNS && (c.Discovery.Instance == "" || c.Discovery.Service == "") {
		errs = append(errs, errors.New("discovery: instance and service are required when mdns is enabled"))
	}

	return errors.Join(errs...)
}
