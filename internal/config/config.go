package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DOLCANVAS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultJournalPath       = "dolcanvas.db"
	defaultJournalBuffer     = 256
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSendBuffer        = 256
	defaultMaxMessageBytes   = 1024 * 1024
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	defaultClientURL         = "ws://127.0.0.1:8080/ws"
	defaultReconnectDelay    = 3 * time.Second
	defaultCanvasWidth       = 1280
	defaultCanvasHeight      = 720
)

// AppConfig captures runtime configuration for the drawing server.
type AppConfig struct {
	HTTPAddress       string
	LogLevel          string
	LogFormat         string
	JournalPath       string
	JournalBuffer     int
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

// JournalEnabled reports whether accepted operations are written to SQLite.
func (c AppConfig) JournalEnabled() bool {
	return strings.TrimSpace(c.JournalPath) != ""
}

// ClientConfig captures runtime configuration for the headless client.
type ClientConfig struct {
	ServerURL      string
	UserID         string
	ReconnectDelay time.Duration
	SnapshotPath   string
	CanvasWidth    int
	CanvasHeight   int
	LogLevel       string
	LogFormat      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("journal.path", defaultJournalPath)
	configViper.SetDefault("journal.buffer", defaultJournalBuffer)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("realtime.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("realtime.message_burst", defaultMessageBurst)
	configViper.SetDefault("client.url", defaultClientURL)
	configViper.SetDefault("client.user_id", "")
	configViper.SetDefault("client.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("client.snapshot_path", "")
	configViper.SetDefault("client.canvas_width", defaultCanvasWidth)
	configViper.SetDefault("client.canvas_height", defaultCanvasHeight)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		JournalPath:       configViper.GetString("journal.path"),
		JournalBuffer:     configViper.GetInt("journal.buffer"),
		SendBuffer:        configViper.GetInt("realtime.send_buffer"),
		MaxMessageBytes:   configViper.GetInt64("realtime.max_message_bytes"),
		MessagesPerSecond: configViper.GetFloat64("realtime.messages_per_second"),
		MessageBurst:      configViper.GetInt("realtime.message_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("realtime.max_message_bytes must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("realtime.messages_per_second and realtime.message_burst must be positive")
	}
	if c.JournalEnabled() && c.JournalBuffer <= 0 {
		return fmt.Errorf("journal.buffer must be positive")
	}
	return validateLogFormat(c.LogFormat)
}

// LoadClient parses headless client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      configViper.GetString("client.url"),
		UserID:         strings.TrimSpace(configViper.GetString("client.user_id")),
		ReconnectDelay: configViper.GetDuration("client.reconnect_delay"),
		SnapshotPath:   configViper.GetString("client.snapshot_path"),
		CanvasWidth:    configViper.GetInt("client.canvas_width"),
		CanvasHeight:   configViper.GetInt("client.canvas_height"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil {
		return fmt.Errorf("client.url is invalid: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("client.url must use ws or wss, got %q", parsed.Scheme)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnect_delay must be positive")
	}
	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("client.canvas_width and client.canvas_height must be positive")
	}
	return validateLogFormat(c.LogFormat)
}

func validateLogFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", format)
	}
}
