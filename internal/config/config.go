// Package config loads settings for the relay and the terminal client.
//
// Precedence is file > environment > defaults. A .env file in the working
// directory is read into the environment first.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SCHOOLCHAT_"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Env       string           `json:"env"`
	LogLevel  string           `json:"log_level"`
	Database  *DatabaseConfig  `json:"database"`
	Redis     *RedisConfig     `json:"redis"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Chat      *ChatConfig      `json:"chat"`
	Client    *ClientConfig    `json:"client"`
}

// DatabaseConfig is the sqlite message store of the relay.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// RedisConfig switches the relay to the Redis message store when URL is set.
type RedisConfig struct {
	URL        string        `json:"url"`
	MessageTTL time.Duration `json:"message_ttl"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig applies to relay-side connections.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// ChatConfig holds relay message limits.
type ChatConfig struct {
	HistoryLimit     int `json:"history_limit"`
	RateLimitPerMin  int `json:"rate_limit_per_minute"`
	MaxContentLength int `json:"max_content_length"`
}

// ClientConfig is used by cmd/schoolchat.
type ClientConfig struct {
	RelayURL       string        `json:"relay_url"`
	DirectoryURL   string        `json:"directory_url"`
	HistoryTimeout time.Duration `json:"history_timeout"`
	ConfirmWindow  time.Duration `json:"confirm_window"`
	StaleAfter     time.Duration `json:"stale_after"`
	ReconnectBase  time.Duration `json:"reconnect_base"`
	ReconnectMax   time.Duration `json:"reconnect_max"`
}

func DefaultConfig() *Config {
	return &Config{
		Env:      "development",
		LogLevel: "info",
		Database: &DatabaseConfig{
			Path:    "./schoolchat.db",
			Timeout: 30 * time.Second,
		},
		Redis: &RedisConfig{
			MessageTTL: 7 * 24 * time.Hour,
		},
		HTTP: &HTTPConfig{
			Port:         3000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
		},
		Chat: &ChatConfig{
			HistoryLimit:     200,
			RateLimitPerMin:  100,
			MaxContentLength: 4096,
		},
		Client: &ClientConfig{
			RelayURL:       "ws://localhost:3000/ws",
			DirectoryURL:   "http://localhost:3000",
			HistoryTimeout: 10 * time.Second,
			ConfirmWindow:  5 * time.Second,
			StaleAfter:     10 * time.Second,
			ReconnectBase:  500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil || c.Redis == nil || c.HTTP == nil || c.WebSocket == nil || c.Chat == nil || c.Client == nil {
		return fmt.Errorf("%w: every section is required", ErrInvalidConfig)
	}

	if c.Redis.URL == "" && c.Database.Path == "" {
		return fmt.Errorf("%w: database path cannot be empty without a redis url", ErrInvalidConfig)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("%w: database timeout must be positive", ErrInvalidConfig)
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("%w: redis url must start with redis:// or rediss://", ErrInvalidConfig)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: HTTP port must be between 1 and 65535", ErrInvalidConfig)
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("%w: HTTP timeouts must be positive", ErrInvalidConfig)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("%w: HTTP host cannot be empty", ErrInvalidConfig)
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("%w: WebSocket ping interval must be positive", ErrInvalidConfig)
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("%w: WebSocket read timeout must exceed the ping interval", ErrInvalidConfig)
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("%w: WebSocket write timeout must be positive", ErrInvalidConfig)
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("%w: WebSocket buffer size must be positive", ErrInvalidConfig)
	}

	if c.Chat.HistoryLimit <= 0 || c.Chat.RateLimitPerMin <= 0 || c.Chat.MaxContentLength <= 0 {
		return fmt.Errorf("%w: chat limits must be positive", ErrInvalidConfig)
	}

	u, err := url.Parse(c.Client.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: client relay url must be ws:// or wss://", ErrInvalidConfig)
	}
	if c.Client.HistoryTimeout <= 0 || c.Client.ConfirmWindow <= 0 || c.Client.StaleAfter <= 0 {
		return fmt.Errorf("%w: client timeouts must be positive", ErrInvalidConfig)
	}
	if c.Client.ReconnectBase <= 0 || c.Client.ReconnectMax < c.Client.ReconnectBase {
		return fmt.Errorf("%w: client reconnect max must be at least the base delay", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment reports whether the console log writer should be used.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr is the relay listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv applies SCHOOLCHAT_* variables on top of the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("ENV", &config.Env)
	envString("LOG_LEVEL", &config.LogLevel)

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envString("REDIS_URL", &config.Redis.URL)
	envDuration("REDIS_MESSAGE_TTL", &config.Redis.MessageTTL)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envInt("CHAT_HISTORY_LIMIT", &config.Chat.HistoryLimit)
	envInt("CHAT_RATE_LIMIT", &config.Chat.RateLimitPerMin)
	envInt("CHAT_MAX_CONTENT_LENGTH", &config.Chat.MaxContentLength)

	envString("CLIENT_RELAY_URL", &config.Client.RelayURL)
	envString("CLIENT_DIRECTORY_URL", &config.Client.DirectoryURL)
	envDuration("CLIENT_HISTORY_TIMEOUT", &config.Client.HistoryTimeout)
	envDuration("CLIENT_CONFIRM_WINDOW", &config.Client.ConfirmWindow)
	envDuration("CLIENT_STALE_AFTER", &config.Client.StaleAfter)
	envDuration("CLIENT_RECONNECT_BASE", &config.Client.ReconnectBase)
	envDuration("CLIENT_RECONNECT_MAX", &config.Client.ReconnectMax)
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the JSON layout on disk. Durations are strings such as "30s".
type ConfigFile struct {
	Env       string               `json:"env"`
	LogLevel  string               `json:"log_level"`
	Database  *DatabaseConfigFile  `json:"database"`
	Redis     *RedisConfigFile     `json:"redis"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Chat      *ChatConfig          `json:"chat"`
	Client    *ClientConfigFile    `json:"client"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type RedisConfigFile struct {
	URL        string `json:"url"`
	MessageTTL string `json:"message_ttl"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type ClientConfigFile struct {
	RelayURL       string `json:"relay_url"`
	DirectoryURL   string `json:"directory_url"`
	HistoryTimeout string `json:"history_timeout"`
	ConfirmWindow  string `json:"confirm_window"`
	StaleAfter     string `json:"stale_after"`
	ReconnectBase  string `json:"reconnect_base"`
	ReconnectMax   string `json:"reconnect_max"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	return loadFile(filepath, DefaultConfig())
}

func loadFile(filepath string, config *Config) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	setString(&config.Env, file.Env)
	setString(&config.LogLevel, file.LogLevel)

	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		if err := setDuration(&config.Database.Timeout, f.Timeout); err != nil {
			return nil, fmt.Errorf("database.timeout in %s: %w", filepath, err)
		}
	}
	if f := file.Redis; f != nil {
		setString(&config.Redis.URL, f.URL)
		if err := setDuration(&config.Redis.MessageTTL, f.MessageTTL); err != nil {
			return nil, fmt.Errorf("redis.message_ttl in %s: %w", filepath, err)
		}
	}
	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		if err := firstErr(
			setDuration(&config.HTTP.ReadTimeout, f.ReadTimeout),
			setDuration(&config.HTTP.WriteTimeout, f.WriteTimeout),
		); err != nil {
			return nil, fmt.Errorf("http section in %s: %w", filepath, err)
		}
	}
	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if err := firstErr(
			setDuration(&config.WebSocket.PingInterval, f.PingInterval),
			setDuration(&config.WebSocket.ReadTimeout, f.ReadTimeout),
			setDuration(&config.WebSocket.WriteTimeout, f.WriteTimeout),
		); err != nil {
			return nil, fmt.Errorf("websocket section in %s: %w", filepath, err)
		}
	}
	if f := file.Chat; f != nil {
		setInt(&config.Chat.HistoryLimit, f.HistoryLimit)
		setInt(&config.Chat.RateLimitPerMin, f.RateLimitPerMin)
		setInt(&config.Chat.MaxContentLength, f.MaxContentLength)
	}
	if f := file.Client; f != nil {
		setString(&config.Client.RelayURL, f.RelayURL)
		setString(&config.Client.DirectoryURL, f.DirectoryURL)
		if err := firstErr(
			setDuration(&config.Client.HistoryTimeout, f.HistoryTimeout),
			setDuration(&config.Client.ConfirmWindow, f.ConfirmWindow),
			setDuration(&config.Client.StaleAfter, f.StaleAfter),
			setDuration(&config.Client.ReconnectBase, f.ReconnectBase),
			setDuration(&config.Client.ReconnectMax, f.ReconnectMax),
		); err != nil {
			return nil, fmt.Errorf("client section in %s: %w", filepath, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath, err)
	}
	return config, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadConfigWithPrecedence layers the file over the environment over the
// defaults. A missing or broken file is ignored and reported through the
// returned error so callers can log it.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()
	if filepath == "" {
		return config, nil
	}

	base := LoadFromEnv()
	fileConfig, err := loadFile(filepath, base)
	if err != nil {
		return config, err
	}
	return fileConfig, nil
}
