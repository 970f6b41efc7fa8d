package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	dbconfig "chatrelay/pkg/database"
)

// EnvPrefix prefixes every environment variable, e.g. CHATRELAY_HTTP_PORT.
const EnvPrefix = "chatrelay"

// Config is the complete server configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database" validate:"required"`
	HTTP      *HTTPConfig      `json:"http" validate:"required"`
	WebSocket *WebSocketConfig `json:"websocket" validate:"required"`
	Messaging *MessagingConfig `json:"messaging" validate:"required"`
	Log       *LogConfig       `json:"log" validate:"required"`
}

type DatabaseConfig struct {
	Path           string        `json:"path" validate:"required"`
	Timeout        time.Duration `json:"timeout" validate:"gt=0"`
	MaxConnections int           `json:"max_connections" split_words:"true" validate:"gt=0"`
	WriteQueueSize int           `json:"write_queue_size" split_words:"true" validate:"gt=0"`
}

type HTTPConfig struct {
	Host            string        `json:"host" validate:"required"`
	Port            int           `json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `json:"read_timeout" split_words:"true" validate:"gt=0"`
	WriteTimeout    time.Duration `json:"write_timeout" split_words:"true" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" split_words:"true" validate:"gt=0"`
}

// WebSocketConfig tunes the transport. BufferSize bounds the per-connection
// outbound queue and InboundQueueSize the events waiting to be processed.
type WebSocketConfig struct {
	PingInterval     time.Duration `json:"ping_interval" split_words:"true" validate:"gt=0"`
	ReadTimeout      time.Duration `json:"read_timeout" split_words:"true" validate:"gt=0,gtfield=PingInterval"`
	WriteTimeout     time.Duration `json:"write_timeout" split_words:"true" validate:"gt=0"`
	BufferSize       int           `json:"buffer_size" split_words:"true" validate:"gt=0"`
	InboundQueueSize int           `json:"inbound_queue_size" split_words:"true" validate:"gt=0"`
	MaxFrameBytes    int64         `json:"max_frame_bytes" split_words:"true" validate:"gt=0"`
	AllowedOrigins   []string      `json:"allowed_origins" split_words:"true"`
}

type MessagingConfig struct {
	MaxBodyLength         int           `json:"max_body_length" split_words:"true" validate:"gt=0"`
	RateLimit             int           `json:"rate_limit" split_words:"true" validate:"gt=0"`
	RateWindow            time.Duration `json:"rate_window" split_words:"true" validate:"gt=0"`
	OfflineBatchThreshold int           `json:"offline_batch_threshold" split_words:"true" validate:"gte=0"`
	VerifyTimeout         time.Duration `json:"verify_timeout" split_words:"true" validate:"gt=0"`
	AuthorizeTimeout      time.Duration `json:"authorize_timeout" split_words:"true" validate:"gt=0"`
	CensoredWords         []string      `json:"censored_words" split_words:"true"`
	CensorChar            string        `json:"censor_char" split_words:"true" validate:"len=1"`
}

type LogConfig struct {
	Level string `json:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	db := dbconfig.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Path:           db.DatabasePath,
			Timeout:        30 * time.Second,
			MaxConnections: db.MaxConnections,
			WriteQueueSize: db.WriteQueueSize,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			BufferSize:       100,
			InboundQueueSize: 32,
			MaxFrameBytes:    64 * 1024,
		},
		Messaging: &MessagingConfig{
			MaxBodyLength:         5000,
			RateLimit:             10,
			RateWindow:            10 * time.Second,
			OfflineBatchThreshold: 5,
			VerifyTimeout:         5 * time.Second,
			AuthorizeTimeout:      5 * time.Second,
			CensorChar:            "*",
		},
		Log: &LogConfig{Level: "INFO"},
	}
}

// Validate checks the struct rules of every section.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid configuration: %s failed '%s'", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid configuration: %w", err)
}

// StoreConfig converts the database section for the store.
func (c *Config) StoreConfig() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.DatabasePath = c.Database.Path
	store.MaxConnections = c.Database.MaxConnections
	store.WriteQueueSize = c.Database.WriteQueueSize
	return store
}

// LoadFromEnv overlays CHATRELAY_* environment variables on the defaults.
// Variables that are not set leave the default in place.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// fileConfig mirrors Config for JSON files, where durations are written as
// strings such as "10s". Absent fields keep the value below them.
type fileConfig struct {
	Database *struct {
		Path           string `json:"path"`
		Timeout        string `json:"timeout"`
		MaxConnections int    `json:"max_connections"`
		WriteQueueSize int    `json:"write_queue_size"`
	} `json:"database"`
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval     string   `json:"ping_interval"`
		ReadTimeout      string   `json:"read_timeout"`
		WriteTimeout     string   `json:"write_timeout"`
		BufferSize       int      `json:"buffer_size"`
		InboundQueueSize int      `json:"inbound_queue_size"`
		MaxFrameBytes    int64    `json:"max_frame_bytes"`
		AllowedOrigins   []string `json:"allowed_origins"`
	} `json:"websocket"`
	Messaging *struct {
		MaxBodyLength         int      `json:"max_body_length"`
		RateLimit             int      `json:"rate_limit"`
		RateWindow            string   `json:"rate_window"`
		OfflineBatchThreshold *int     `json:"offline_batch_threshold"`
		VerifyTimeout         string   `json:"verify_timeout"`
		AuthorizeTimeout      string   `json:"authorize_timeout"`
		CensoredWords         []string `json:"censored_words"`
		CensorChar            string   `json:"censor_char"`
	} `json:"messaging"`
	Log *struct {
		Level string `json:"level"`
	} `json:"log"`
}

// LoadFromFile reads a JSON configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(raw string, target *time.Duration) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid duration %q: %w", raw, err))
			return
		}
		*target = d
	}
	str := func(raw string, target *string) {
		if raw != "" {
			*target = raw
		}
	}
	positive := func(raw int, target *int) {
		if raw > 0 {
			*target = raw
		}
	}

	if f := file.Database; f != nil {
		str(f.Path, &config.Database.Path)
		duration(f.Timeout, &config.Database.Timeout)
		positive(f.MaxConnections, &config.Database.MaxConnections)
		positive(f.WriteQueueSize, &config.Database.WriteQueueSize)
	}
	if f := file.HTTP; f != nil {
		str(f.Host, &config.HTTP.Host)
		positive(f.Port, &config.HTTP.Port)
		duration(f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration(f.WriteTimeout, &config.HTTP.WriteTimeout)
		duration(f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}
	if f := file.WebSocket; f != nil {
		duration(f.PingInterval, &config.WebSocket.PingInterval)
		duration(f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration(f.WriteTimeout, &config.WebSocket.WriteTimeout)
		positive(f.BufferSize, &config.WebSocket.BufferSize)
		positive(f.InboundQueueSize, &config.WebSocket.InboundQueueSize)
		if f.MaxFrameBytes > 0 {
			config.WebSocket.MaxFrameBytes = f.MaxFrameBytes
		}
		if f.AllowedOrigins != nil {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.Messaging; f != nil {
		positive(f.MaxBodyLength, &config.Messaging.MaxBodyLength)
		positive(f.RateLimit, &config.Messaging.RateLimit)
		duration(f.RateWindow, &config.Messaging.RateWindow)
		if f.OfflineBatchThreshold != nil {
			config.Messaging.OfflineBatchThreshold = *f.OfflineBatchThreshold
		}
		duration(f.VerifyTimeout, &config.Messaging.VerifyTimeout)
		duration(f.AuthorizeTimeout, &config.Messaging.AuthorizeTimeout)
		if f.CensoredWords != nil {
			config.Messaging.CensoredWords = f.CensoredWords
		}
		str(f.CensorChar, &config.Messaging.CensorChar)
	}
	if f := file.Log; f != nil {
		str(f.Level, &config.Log.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %w", path, errors.Join(errs...))
	}
	return nil
}

// LoadConfigWithPrecedence resolves the configuration as file > environment
// > defaults. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
