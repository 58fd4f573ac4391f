package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the dorfbus gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Serial    SerialConfig    `yaml:"serial"`
	Bus       BusConfig       `yaml:"bus"`
	Topology  TopologyConfig  `yaml:"topology"`
	Resync    ResyncConfig    `yaml:"resync"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SerialConfig describes the RS-485 serial line the relay cards hang off.
type SerialConfig struct {
	Path     string      `yaml:"path"`
	BaudRate int         `yaml:"baud_rate"`
	DataBits int         `yaml:"data_bits"`
	Parity   string      `yaml:"parity"`
	StopBits int         `yaml:"stop_bits"`
	RS485    RS485Config `yaml:"rs485"`
}

// RS485Config contains transceiver direction control settings.
// Only needed for adapters that do not switch direction in hardware.
type RS485Config struct {
	Enabled              bool `yaml:"enabled"`
	DelayRTSBeforeSendMS int  `yaml:"delay_rts_before_send_ms"`
	DelayRTSAfterSendMS  int  `yaml:"delay_rts_after_send_ms"`
	RTSHighDuringSend    bool `yaml:"rts_high_during_send"`
	RTSHighAfterSend     bool `yaml:"rts_high_after_send"`
	RxDuringTx           bool `yaml:"rx_during_tx"`
}

// BusConfig contains settings for the bus access coordinator.
type BusConfig struct {
	// ExchangeTimeoutMS bounds a single request/response exchange.
	ExchangeTimeoutMS int `yaml:"exchange_timeout_ms"`

	// TraceFile, when set, receives a CBOR record of every exchange.
	TraceFile string `yaml:"trace_file"`
}

// TopologyConfig points at the device/coil topology document.
type TopologyConfig struct {
	Path string `yaml:"path"`
}

// ResyncConfig controls hardware resynchronisation.
type ResyncConfig struct {
	OnStartup     bool `yaml:"on_startup"`
	ApplyDefaults bool `yaml:"apply_defaults"`
	// Interval in seconds between periodic device sweeps. 0 disables them.
	Interval int `yaml:"interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Path                 string `yaml:"path"`
	WALMode              bool   `yaml:"wal_mode"`
	BusyTimeout          int    `yaml:"busy_timeout"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled        bool                `yaml:"enabled"`
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	PayloadFormat  string              `yaml:"payload_format"`
	HealthInterval int                 `yaml:"health_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	TLS            TLSConfig        `yaml:"tls"`
	Timeouts       APITimeoutConfig `yaml:"timeouts"`
	CORS           CORSConfig       `yaml:"cors"`
	ProbeTimeoutMS int              `yaml:"probe_timeout_ms"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DiscoveryConfig controls mDNS advertisement of the API.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DORFBUS_SECTION_KEY
// For example: DORFBUS_SERIAL_PATH, DORFBUS_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// Used by tools that can run without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "dorfbus-001",
			Name: "dorfbus",
		},
		Serial: SerialConfig{
			Path:     "/dev/ttyUSB0",
			BaudRate: 9600,
			DataBits: 8,
			Parity:   "N",
			StopBits: 1,
		},
		Bus: BusConfig{
			ExchangeTimeoutMS: 1000,
		},
		Topology: TopologyConfig{
			Path: "configs/topology.yaml",
		},
		Resync: ResyncConfig{
			OnStartup:     true,
			ApplyDefaults: true,
		},
		Database: DatabaseConfig{
			Path:                 "./data/dorfbus.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dorfbusd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			PayloadFormat:  "json",
			HealthInterval: 30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			ProbeTimeoutMS: 2000,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Discovery: DiscoveryConfig{
			Instance: "dorfbus",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DORFBUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("DORFBUS_SERIAL_PATH"); v != "" {
		cfg.Serial.Path = v
	}
	if v := os.Getenv("DORFBUS_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = n
		}
	}

	if v := os.Getenv("DORFBUS_TOPOLOGY_PATH"); v != "" {
		cfg.Topology.Path = v
	}

	if v := os.Getenv("DORFBUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DORFBUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DORFBUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DORFBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DORFBUS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DORFBUS_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}

	if v := os.Getenv("DORFBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	// Serial validation
	if c.Serial.Path == "" {
		errs = append(errs, "serial.path is required")
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		errs = append(errs, "serial.data_bits must be between 5 and 8")
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		errs = append(errs, "serial.parity must be N, E, or O")
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		errs = append(errs, "serial.stop_bits must be 1 or 2")
	}

	if c.Bus.ExchangeTimeoutMS <= 0 {
		errs = append(errs, "bus.exchange_timeout_ms must be positive")
	}

	if c.Topology.Path == "" {
		errs = append(errs, "topology.path is required")
	}

	if c.Resync.Interval < 0 {
		errs = append(errs, "resync.interval must not be negative")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.PayloadFormat != "json" && c.MQTT.PayloadFormat != "cbor" {
		errs = append(errs, "mqtt.payload_format must be json or cbor")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetExchangeTimeout returns the per-exchange bus timeout as a Duration.
func (c *Config) GetExchangeTimeout() time.Duration {
	return time.Duration(c.Bus.ExchangeTimeoutMS) * time.Millisecond
}

// GetProbeTimeout returns the deadline applied to API-initiated device probes.
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.API.ProbeTimeoutMS) * time.Millisecond
}

// GetResyncInterval returns the periodic resync interval, or 0 when disabled.
func (c *Config) GetResyncInterval() time.Duration {
	return time.Duration(c.Resync.Interval) * time.Second
}
