package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Configuration struct {
	ListenAddr string
	Radio      RadioSettings
	Database   struct {
		Path string
	}
	Web      WebSettings
	Discord  struct {
		WebhookURL string
	}
	MQTT struct {
		Broker   string
		Topic    string
		ClientID string
	}
	Limits LimitSettings
}

type RadioSettings struct {
	// ConnectionType selects the transport, "tcp" or "serial"
	ConnectionType string
	Address        string
	Port           int
	// SerialDevice is the serial port path; empty means auto-detect
	SerialDevice      string
	HeartbeatInterval time.Duration
	BackoffSeed       time.Duration
	BackoffMax        time.Duration
}

type WebSettings struct {
	// PasswordHash and Salt gate the dashboard; both empty disables auth
	PasswordHash  string
	Salt          string
	SessionSecret string
	MaxLogLines   int
}

type LimitSettings struct {
	ReplyCooldown      time.Duration
	TracerouteInterval time.Duration
	TracerouteTimeout  time.Duration
	MaxQueuePerUser    int
	// RefreshInterval is how often the full node DB is re-synced from the radio
	RefreshInterval time.Duration
	// StaleAfter is the age past which nodes are purged during cleanup
	StaleAfter time.Duration
}

// raw mirrors the flat key space used for env vars and the optional
// config file. Nesting happens after decode so legacy variable names
// like MESHTASTIC_IP keep working.
type raw struct {
	ConnectionType      string        `mapstructure:"connection_type"`
	MeshtasticIP        string        `mapstructure:"meshtastic_ip"`
	MeshtasticPort      int           `mapstructure:"meshtastic_port"`
	SerialDevice        string        `mapstructure:"serial_device"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectSeed       time.Duration `mapstructure:"reconnect_seed"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	DatabasePath        string        `mapstructure:"database_path"`
	ListenAddr          string        `mapstructure:"listen_addr"`
	DiscordWebhookURL   string        `mapstructure:"discord_webhook_url"`
	MQTTBroker          string        `mapstructure:"mqtt_broker"`
	MQTTTopic           string        `mapstructure:"mqtt_topic"`
	MQTTClientID        string        `mapstructure:"mqtt_client_id"`
	ReplyCooldown       time.Duration `mapstructure:"reply_cooldown"`
	TracerouteRateLimit time.Duration `mapstructure:"traceroute_rate_limit"`
	TracerouteTimeout   time.Duration `mapstructure:"traceroute_timeout"`
	MaxQueuePerUser     int           `mapstructure:"max_queue_per_user"`
	NodeDBRefresh       time.Duration `mapstructure:"nodedb_refresh"`
	NodeStaleAfter      time.Duration `mapstructure:"node_stale_after"`
	MaxLogLines         int           `mapstructure:"max_log_lines"`
	DashboardHash       string        `mapstructure:"dashboard_password_hash"`
	DashboardSalt       string        `mapstructure:"dashboard_salt"`
	SessionSecret       string        `mapstructure:"session_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection_type", "tcp")
	v.SetDefault("meshtastic_ip", "192.168.1.50")
	v.SetDefault("meshtastic_port", 4403)
	v.SetDefault("serial_device", "")
	v.SetDefault("heartbeat_interval", "5m")
	v.SetDefault("reconnect_seed", "2s")
	v.SetDefault("reconnect_max", "60s")
	v.SetDefault("database_path", "nodedb.sqlite")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("discord_webhook_url", "")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", "pingbot/events")
	v.SetDefault("mqtt_client_id", "meshtastic-pingbot")
	v.SetDefault("reply_cooldown", "15s")
	v.SetDefault("traceroute_rate_limit", "30s")
	v.SetDefault("traceroute_timeout", "15s")
	v.SetDefault("max_queue_per_user", 2)
	v.SetDefault("nodedb_refresh", "6h")
	v.SetDefault("node_stale_after", "720h")
	v.SetDefault("max_log_lines", 100)
	v.SetDefault("dashboard_password_hash", "")
	v.SetDefault("dashboard_salt", "")
	v.SetDefault("session_secret", "")
}

// Load reads configuration from pingbot.yaml (if present), a .env file
// (if present) and the process environment, in increasing precedence.
func Load() (*Configuration, error) {
	// A missing .env is not an error, env vars may come from the real environment
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("pingbot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pingbot")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var r raw
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&r, decodeHook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg := &Configuration{
		ListenAddr: r.ListenAddr,
		Radio: RadioSettings{
			ConnectionType:    strings.ToLower(r.ConnectionType),
			Address:           r.MeshtasticIP,
			Port:              r.MeshtasticPort,
			SerialDevice:      r.SerialDevice,
			HeartbeatInterval: r.HeartbeatInterval,
			BackoffSeed:       r.ReconnectSeed,
			BackoffMax:        r.ReconnectMax,
		},
		Web: WebSettings{
			PasswordHash:  r.DashboardHash,
			Salt:          r.DashboardSalt,
			SessionSecret: r.SessionSecret,
			MaxLogLines:   r.MaxLogLines,
		},
		Limits: LimitSettings{
			ReplyCooldown:      r.ReplyCooldown,
			TracerouteInterval: r.TracerouteRateLimit,
			TracerouteTimeout:  r.TracerouteTimeout,
			MaxQueuePerUser:    r.MaxQueuePerUser,
			RefreshInterval:    r.NodeDBRefresh,
			StaleAfter:         r.NodeStaleAfter,
		},
	}
	cfg.Database.Path = r.DatabasePath
	cfg.Discord.WebhookURL = r.DiscordWebhookURL
	cfg.MQTT.Broker = r.MQTTBroker
	cfg.MQTT.Topic = r.MQTTTopic
	cfg.MQTT.ClientID = r.MQTTClientID

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) Validate() error {
	switch c.Radio.ConnectionType {
	case "tcp", "serial":
	default:
		return fmt.Errorf("connection_type must be tcp or serial, got %q", c.Radio.ConnectionType)
	}
	if c.Radio.ConnectionType == "tcp" {
		if c.Radio.Address == "" {
			return errors.New("meshtastic_ip is required for tcp connections")
		}
		if c.Radio.Port <= 0 || c.Radio.Port > 65535 {
			return fmt.Errorf("meshtastic_port %d out of range", c.Radio.Port)
		}
	}
	if c.Limits.MaxQueuePerUser < 1 {
		return fmt.Errorf("max_queue_per_user must be at least 1, got %d", c.Limits.MaxQueuePerUser)
	}
	if c.Limits.TracerouteInterval <= 0 {
		return errors.New("traceroute_rate_limit must be positive")
	}
	if c.Limits.TracerouteTimeout <= 0 {
		return errors.New("traceroute_timeout must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database_path must not be empty")
	}
	if (c.Web.PasswordHash == "") != (c.Web.Salt == "") {
		return errors.New("dashboard_password_hash and dashboard_salt must be set together")
	}
	return nil
}
