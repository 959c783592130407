// Package config loads tsmon configuration from built-in defaults, an
// optional YAML file and TSMON_-prefixed environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TSMON_"

// ConfigPathEnvVar names a config file to load instead of searching
// DefaultConfigPaths.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"tsmon.yaml",
	"tsmon.yml",
	"/etc/tsmon/tsmon.yaml",
}

// Config is the complete process configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	API     APIConfig     `koanf:"api"`
	Monitor MonitorConfig `koanf:"monitor"`
	SRT     SRTConfig     `koanf:"srt"`
	NATS    NATSConfig    `koanf:"nats"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// APIConfig controls the HTTPS/HTTP3 control API. The API listens on the
// same port over TCP and UDP.
type APIConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Addr        string   `koanf:"addr" validate:"required_if=Enabled true"`
	CertFile    string   `koanf:"cert_file" validate:"required_with=KeyFile"`
	KeyFile     string   `koanf:"key_file" validate:"required_with=CertFile"`
	CertHosts   []string `koanf:"cert_hosts"`
	CORSOrigins []string `koanf:"cors_origins"`
}

// MonitorConfig describes the session started at boot when AutoStart is
// set, and the defaults for sessions started through the API.
type MonitorConfig struct {
	AutoStart       bool          `koanf:"auto_start"`
	Key             string        `koanf:"key" validate:"required,max=64"`
	Source          string        `koanf:"source" validate:"oneof=udp srt"`
	Address         string        `koanf:"address" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Interface       string        `koanf:"interface"`
	BufferSize      int           `koanf:"buffer_size" validate:"min=0"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=0"`
	PublishInterval time.Duration `koanf:"publish_interval" validate:"gte=10ms"`
	CSVDir          string        `koanf:"csv_dir"`
}

type SRTConfig struct {
	StreamID    string        `koanf:"stream_id"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gte=0"`
}

// NATSConfig enables the NATS snapshot publisher when URL is set.
type NATSConfig struct {
	URL string `koanf:"url" validate:"omitempty,url"`
}

// Default returns the built-in configuration: a unicast UDP session on
// port 1234 with a 5 second read timeout and a CSV log in the working
// directory.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			Enabled:     true,
			Addr:        ":4443",
			CORSOrigins: []string{"*"},
		},
		Monitor: MonitorConfig{
			AutoStart:       true,
			Key:             "default",
			Source:          "udp",
			Address:         "0.0.0.0",
			Port:            1234,
			ReadTimeout:     5 * time.Second,
			PublishInterval: 100 * time.Millisecond,
			CSVDir:          ".",
		},
		SRT: SRTConfig{
			DialTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// and the environment, then validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path; an empty path skips
// the file layer.
func LoadFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// TSMON_MONITOR_READ_TIMEOUT -> monitor.read_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps an environment variable to a config path. The first
// underscore after the prefix separates the section from the field.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated strings when set from
// the environment.
var sliceConfigPaths = []string{
	"api.cert_hosts",
	"api.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		str, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(str, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules struct tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			return fmt.Errorf("api.addr: %w", err)
		}
	}
	if c.Monitor.Source == "udp" && net.ParseIP(c.Monitor.Address).To4() == nil {
		return fmt.Errorf("monitor.address: %q is not an IPv4 address", c.Monitor.Address)
	}
	if c.Monitor.Source == "srt" && c.Monitor.Address == "0.0.0.0" {
		return errors.New("monitor.address: srt source needs a remote address")
	}
	return nil
}
