package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	JWT      JWTConfig      `yaml:"jwt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Log      LogConfig      `yaml:"log"`
	Solver   SolverConfig   `yaml:"solver"`
	Session  SessionConfig  `yaml:"session"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	Downlink DownlinkConfig `yaml:"downlink"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Driver is one of postgres, sqlite, memory
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	Enabled               bool          `yaml:"enabled"`
	URL                   string        `yaml:"url"`
	ClientID              string        `yaml:"client_id"`
	Username              string        `yaml:"username"`
	Password              string        `yaml:"password"`
	MaxReconnects         int           `yaml:"max_reconnects"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
	QueueGroup            string        `yaml:"queue_group"`
	UplinkSubject         string        `yaml:"uplink_subject"`
	SolverResponseSubject string        `yaml:"solver_response_subject"`
	DownlinkSubject       string        `yaml:"downlink_subject"`
}

// MQTTConfig represents the position publisher configuration
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BrokerURL   string        `yaml:"broker_url"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Retained    bool          `yaml:"retained"`
	Timeout     time.Duration `yaml:"timeout"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// WebhookConfig holds the shared secret for HTTP uplink ingress
type WebhookConfig struct {
	// TokenHash is a bcrypt hash; an empty value disables the check
	TokenHash string `yaml:"token_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SolverConfig represents the geolocation solver endpoint
type SolverConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	JoinNotify     bool          `yaml:"join_notify"`
}

// SessionConfig bounds session lifetime and count
type SessionConfig struct {
	// Timeout is the inactivity limit for Collecting sessions
	Timeout time.Duration `yaml:"timeout"`
	// SolverWait is how long an AwaitingSolver session waits for a reply
	SolverWait    time.Duration `yaml:"solver_wait"`
	Retention     time.Duration `yaml:"retention"`
	MaxSessions   int           `yaml:"max_sessions"`
	WindowSize    uint32        `yaml:"window_size"`
	MaxFollowUps  int           `yaml:"max_follow_ups"`
	MaxDigests    int           `yaml:"max_digests"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
}

// TriggerConfig selects when a Collecting session is submitted
type TriggerConfig struct {
	MinRecords int      `yaml:"min_records"`
	OnTypes    []string `yaml:"on_types"`
	OnFlush    bool     `yaml:"on_flush"`
}

// UplinkConfig represents uplink ingress filtering
type UplinkConfig struct {
	Port              uint8  `yaml:"port"`
	JoinFCntThreshold uint32 `yaml:"join_fcnt_threshold"`
}

// DownlinkConfig represents downlink egress configuration
type DownlinkConfig struct {
	Port            uint8         `yaml:"port"`
	InstructionPort uint8         `yaml:"instruction_port"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	if err := cfg.validateAndSetDefaults(); err != nil {
		log.Warn().Err(err).Msg("default configuration is invalid")
	}
	return cfg
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := firstEnv("SOLVER_URL", "ApiUrl"); v != "" {
		c.Solver.URL = v
	}

	if v := firstEnv("SOLVER_TOKEN", "CS_KEY"); v != "" {
		c.Solver.Token = v
	}

	if v := os.Getenv("SESSION_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil {
			c.Session.Timeout = d
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid SESSION_TIMEOUT")
		}
	}

	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessions = n
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid MAX_SESSIONS")
		}
	}

	if v := os.Getenv("SOLVER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Solver.MaxAttempts = n
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid SOLVER_MAX_ATTEMPTS")
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
		c.NATS.Enabled = true
	}

	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
		c.MQTT.Enabled = true
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// validateAndSetDefaults fills unset values and rejects inconsistent ones
func (c *Config) validateAndSetDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "loraedge-tracker"
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 15 * time.Second
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}

	if c.Database.Driver == "" {
		if c.Database.DSN == "" {
			c.Database.Driver = "memory"
		} else {
			c.Database.Driver = "postgres"
		}
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "loraedge-tracker"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.QueueGroup == "" {
		c.NATS.QueueGroup = "tracker"
	}
	if c.NATS.UplinkSubject == "" {
		c.NATS.UplinkSubject = "application.*.device.*.rx"
	}
	if c.NATS.SolverResponseSubject == "" {
		c.NATS.SolverResponseSubject = "solver.response"
	}
	if c.NATS.DownlinkSubject == "" {
		c.NATS.DownlinkSubject = "ns.device.%s.tx"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "loraedge-tracker"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "tracker"
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	if c.MQTT.Timeout == 0 {
		c.MQTT.Timeout = 10 * time.Second
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 24 * time.Hour
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Solver.Timeout == 0 {
		c.Solver.Timeout = 10 * time.Second
	}
	if c.Solver.MaxAttempts == 0 {
		c.Solver.MaxAttempts = 3
	}
	if c.Solver.MaxAttempts < 1 {
		return fmt.Errorf("solver.max_attempts must be positive")
	}
	if c.Solver.InitialBackoff == 0 {
		c.Solver.InitialBackoff = 500 * time.Millisecond
	}
	if c.Solver.MaxBackoff == 0 {
		c.Solver.MaxBackoff = 10 * time.Second
	}
	if c.Solver.MaxBackoff < c.Solver.InitialBackoff {
		return fmt.Errorf("solver.max_backoff must not be below solver.initial_backoff")
	}
	if c.Solver.RateBurst == 0 {
		c.Solver.RateBurst = 1
	}

	if c.Session.Timeout == 0 {
		c.Session.Timeout = 5 * time.Minute
	}
	if c.Session.SolverWait == 0 {
		c.Session.SolverWait = 2 * time.Minute
	}
	if c.Session.Retention == 0 {
		c.Session.Retention = 10 * time.Minute
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 10000
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be positive")
	}
	if c.Session.WindowSize == 0 {
		c.Session.WindowSize = 16
	}
	if c.Session.MaxFollowUps == 0 {
		c.Session.MaxFollowUps = 2
	}
	if c.Session.MaxDigests == 0 {
		c.Session.MaxDigests = 32
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 30 * time.Second
	}
	if c.Session.StoreTimeout == 0 {
		c.Session.StoreTimeout = 5 * time.Second
	}

	if c.Trigger.MinRecords == 0 && len(c.Trigger.OnTypes) == 0 && !c.Trigger.OnFlush {
		c.Trigger.OnTypes = []string{"gnss", "wifi"}
		c.Trigger.OnFlush = true
	}
	if _, err := c.Trigger.Kinds(); err != nil {
		return err
	}

	if c.Uplink.Port == 0 {
		c.Uplink.Port = 199
	}
	if c.Uplink.JoinFCntThreshold == 0 {
		c.Uplink.JoinFCntThreshold = 2
	}

	if c.Downlink.Port == 0 {
		c.Downlink.Port = c.Uplink.Port
	}
	if c.Downlink.InstructionPort == 0 {
		c.Downlink.InstructionPort = 150
	}
	if c.Downlink.QueueSize == 0 {
		c.Downlink.QueueSize = 256
	}
	if c.Downlink.MaxAttempts == 0 {
		c.Downlink.MaxAttempts = 5
	}
	if c.Downlink.AckTimeout == 0 {
		c.Downlink.AckTimeout = 2 * time.Second
	}
	if c.Downlink.RetryInterval == 0 {
		c.Downlink.RetryInterval = time.Second
	}

	return nil
}

// Kinds parses OnTypes into record kinds
func (t TriggerConfig) Kinds() ([]rose.Kind, error) {
	kinds := make([]rose.Kind, 0, len(t.OnTypes))
	for _, name := range t.OnTypes {
		k, err := rose.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("trigger.on_types: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// PrintConfigSummary prints the effective configuration
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRa Edge Tracker Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Database: %s\n", c.Database.Driver)
	fmt.Printf("Solver: %s (token set: %v)\n", c.Solver.URL, c.Solver.Token != "")
	fmt.Printf("  Timeout: %s, Max Attempts: %d, Backoff: %s-%s\n",
		c.Solver.Timeout, c.Solver.MaxAttempts, c.Solver.InitialBackoff, c.Solver.MaxBackoff)
	fmt.Printf("Sessions: max %d, window %d, timeout %s, solver wait %s, retention %s\n",
		c.Session.MaxSessions, c.Session.WindowSize, c.Session.Timeout, c.Session.SolverWait, c.Session.Retention)
	fmt.Printf("Trigger: min records %d, types [%s], flush %v\n",
		c.Trigger.MinRecords, strings.Join(c.Trigger.OnTypes, ","), c.Trigger.OnFlush)
	fmt.Printf("Uplink Port: %d, Downlink Port: %d, Instruction Port: %d\n",
		c.Uplink.Port, c.Downlink.Port, c.Downlink.InstructionPort)
	if c.NATS.Enabled {
		fmt.Printf("NATS: %s (uplinks %s)\n", c.NATS.URL, c.NATS.UplinkSubject)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s (prefix %s)\n", c.MQTT.BrokerURL, c.MQTT.TopicPrefix)
	}
	if c.API.Enabled {
		fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	}
	fmt.Printf("==========================================\n")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration accepts Go durations or a bare number of seconds
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
