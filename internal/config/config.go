// Package config loads the process configuration from defaults, an optional
// YAML file, a .env file and TICKERCAST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TICKERCAST_SERVER_ADDR.
const EnvPrefix = "TICKERCAST"

// Config represents the application configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Log         LogConfig       `mapstructure:"log"`
	Server      ServerConfig    `mapstructure:"server"`
	WS          WSConfig        `mapstructure:"ws"`
	Channels    []ChannelConfig `mapstructure:"channels" validate:"required,min=1,dive"`
	Ingest      IngestConfig    `mapstructure:"ingest"`
	Feed        FeedConfig      `mapstructure:"feed"`
	Relay       RelayConfig     `mapstructure:"relay"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig configures pkg/logger
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// ServerConfig represents the HTTP listener hosting the WebSocket upgrade route
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required,hostname_port"`
	WSPath            string        `mapstructure:"ws_path" validate:"required,startswith=/"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// WSConfig represents per-connection settings
type WSConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	PingInterval    time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" validate:"gte=0"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" validate:"gt=0"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size" validate:"gt=0"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" validate:"gt=0"`
	RegistryShards  int           `mapstructure:"registry_shards" validate:"gt=0"`
}

// ChannelConfig declares one catalog entry. Declaration order is broadcast order.
type ChannelConfig struct {
	ID   string `mapstructure:"id" validate:"required"`
	Rule string `mapstructure:"rule" validate:"required,oneof=snapshot clock"`
	Code int    `mapstructure:"code" validate:"gte=0"`
}

// IngestConfig lists the inlets feeding the snapshot register. An inlet with an
// empty address is disabled.
type IngestConfig struct {
	UDP   UDPInletConfig   `mapstructure:"udp"`
	Redis RedisInletConfig `mapstructure:"redis"`
	Kafka KafkaInletConfig `mapstructure:"kafka"`
	File  FileInletConfig  `mapstructure:"file"`
}

type UDPInletConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type RedisInletConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel" validate:"required_with=Addr"`
}

type KafkaInletConfig struct {
	Brokers []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type FileInletConfig struct {
	Path string `mapstructure:"path"`
}

// FeedConfig configures the upstream ticker client
type FeedConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url" validate:"omitempty,url"`
	Streams           []string      `mapstructure:"streams" validate:"required_if=Enabled true"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" validate:"gt=0"`
	// Sink is where normalized values go: bridge (in-process), udp, redis or kafka.
	// The redis and kafka sinks publish to the channel/topic of the matching inlet.
	Sink   string `mapstructure:"sink" validate:"oneof=bridge udp redis kafka"`
	Target string `mapstructure:"target" validate:"omitempty,hostname_port"`
}

// RelayConfig configures the UDP relay hop
type RelayConfig struct {
	SinkAddr   string `mapstructure:"sink_addr" validate:"omitempty,hostname_port"`
	StreamAddr string `mapstructure:"stream_addr" validate:"omitempty,hostname_port"`
	TargetAddr string `mapstructure:"target_addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig toggles the OpenTelemetry stdout exporters
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	Metrics     bool   `mapstructure:"metrics"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
}

// KafkaEnabled reports whether the Kafka inlet is configured.
func (c IngestConfig) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != ""
}

var validate = validator.New()

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("ws.tick_interval", time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.ping_interval", 54*time.Second)
	v.SetDefault("ws.pong_timeout", 60*time.Second)
	v.SetDefault("ws.max_message_size", 512)
	v.SetDefault("ws.read_buffer_size", 1024)
	v.SetDefault("ws.write_buffer_size", 1024)
	v.SetDefault("ws.registry_shards", 16)

	v.SetDefault("channels", []map[string]interface{}{
		{"id": "market", "rule": "snapshot"},
		{"id": "heartbeat", "rule": "clock"},
	})

	v.SetDefault("ingest.udp.addr", "127.0.0.1:9001")
	v.SetDefault("ingest.redis.addr", "")
	v.SetDefault("ingest.redis.password", "")
	v.SetDefault("ingest.redis.db", 0)
	v.SetDefault("ingest.redis.channel", "tickercast:market")
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.topic", "")
	v.SetDefault("ingest.kafka.group_id", "")
	v.SetDefault("ingest.file.path", "")

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feed.streams", []string{"bnbusdt@ticker"})
	v.SetDefault("feed.reconnect_interval", 5*time.Second)
	v.SetDefault("feed.sink", "bridge")
	v.SetDefault("feed.target", "")

	v.SetDefault("relay.sink_addr", "127.0.0.1:9000")
	v.SetDefault("relay.stream_addr", "")
	v.SetDefault("relay.target_addr", "127.0.0.1:9001")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.service_name", "tickercast")
}

// LoadConfig loads the configuration. An explicit configFile must exist; without
// one the default search paths are tried and a missing file is not an error.
func LoadConfig(configFile string) (*Config, error) {
	// .env is optional, exactly like an unset environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tickercast")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Channels))
	codes := make(map[int]string, len(c.Channels))
	for _, ch := range c.Channels {
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("configuration validation failed: duplicate channel %q", ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if ch.Code == 0 {
			continue
		}
		if other, dup := codes[ch.Code]; dup {
			return fmt.Errorf("configuration validation failed: channels %q and %q share code %d", other, ch.ID, ch.Code)
		}
		codes[ch.Code] = ch.ID
	}

	if !c.Feed.Enabled {
		return nil
	}
	return c.ValidateFeed()
}

// ValidateFeed checks that the selected feed sink has what it needs. Validate
// only calls it when the feed is enabled; a standalone feed process calls it
// directly.
func (c *Config) ValidateFeed() error {
	switch c.Feed.Sink {
	case "udp":
		if c.Feed.Target == "" {
			return errors.New("configuration validation failed: feed.target is required for the udp sink")
		}
	case "redis":
		if c.Ingest.Redis.Addr == "" {
			return errors.New("configuration validation failed: ingest.redis.addr is required for the redis sink")
		}
	case "kafka":
		if !c.Ingest.KafkaEnabled() {
			return errors.New("configuration validation failed: ingest.kafka brokers and topic are required for the kafka sink")
		}
	case "bridge":
	default:
		return fmt.Errorf("configuration validation failed: unknown feed.sink %q", c.Feed.Sink)
	}
	return nil
}
