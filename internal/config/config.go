// Package config holds the application configuration struct, loaded
// from YAML plus environment overrides and validated before use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lewisedginton/whatsapp_dispatch/pkg/config"
)

// AppConfig holds all application configuration.
type AppConfig struct {
	// Service configuration
	ServiceName string `env:"SERVICE_NAME" yaml:"service_name" default:"whatsapp-dispatch"`
	Version     string `env:"VERSION" yaml:"version" default:"dev"`
	Environment string `env:"ENVIRONMENT" yaml:"environment" default:"development"`

	// Server configuration
	Port           int           `env:"PORT" yaml:"port" default:"8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout" default:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" yaml:"idle_timeout" default:"60s"`

	// Subsystems
	Database  DatabaseConfig  `yaml:"database,inline"`
	Channel   ChannelConfig   `yaml:"channel,inline"`
	Dispatch  DispatchConfig  `yaml:"dispatch,inline"`
	AutoReply AutoReplyConfig `yaml:"auto_reply,inline"`
	Logging   LoggingConfig   `yaml:"logging,inline"`
	Metrics   MetricsConfig   `yaml:"metrics,inline"`
	Health    HealthConfig    `yaml:"health,inline"`
}

// DatabaseConfig holds the persistence collaborator settings.
type DatabaseConfig struct {
	URL string `env:"DATABASE_URL" yaml:"url" required:"true"`
}

// ChannelConfig selects and configures the channel transport.
type ChannelConfig struct {
	// Driver selects the transport adapter: gateway, telegram or slack.
	Driver string `env:"CHANNEL_DRIVER" yaml:"driver" default:"gateway"`
	// ProfileDir holds per-session credentials, keyed by session id.
	ProfileDir string `env:"CHANNEL_PROFILE_DIR" yaml:"profile_dir" required:"true"`
	// GatewayURL is the websocket endpoint of the gateway bridge.
	GatewayURL string `env:"CHANNEL_GATEWAY_URL" yaml:"gateway_url"`
	// RequestTimeout bounds gateway request round trips.
	RequestTimeout time.Duration `env:"CHANNEL_REQUEST_TIMEOUT" yaml:"request_timeout" default:"30s"`
	// Debug enables transport-level debug logging.
	Debug bool `env:"CHANNEL_DEBUG" yaml:"debug" default:"false"`
}

// DispatchConfig tunes the scheduled dispatch queue.
type DispatchConfig struct {
	Attempts int `env:"DISPATCH_ATTEMPTS" yaml:"attempts" default:"3"`
}

// AutoReplyConfig holds the auto-reply copy and schedule.
type AutoReplyConfig struct {
	Greeting       string `env:"AUTO_REPLY_GREETING" yaml:"greeting" default:"Olá %s! "`
	InHoursBody    string `env:"AUTO_REPLY_IN_HOURS" yaml:"in_hours_body" default:"Recebemos sua mensagem e logo entraremos em contato."`
	AfterHoursBody string `env:"AUTO_REPLY_AFTER_HOURS" yaml:"after_hours_body" default:"Estamos fora do horário comercial. Retornaremos no próximo dia útil."`
	FallbackName   string `env:"AUTO_REPLY_FALLBACK_NAME" yaml:"fallback_name" default:"meu consagrado"`
	StartHour      int    `env:"BUSINESS_HOURS_START" yaml:"business_hours_start" default:"8"`
	EndHour        int    `env:"BUSINESS_HOURS_END" yaml:"business_hours_end" default:"18"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" yaml:"level" default:"info"`
	Format string `env:"LOG_FORMAT" yaml:"format" default:"json"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" yaml:"metrics_enabled" default:"true"`
	Port    int  `env:"METRICS_PORT" yaml:"metrics_port" default:"9090"`
}

// HealthConfig holds health-check configuration.
type HealthConfig struct {
	CheckTimeout     time.Duration `env:"HEALTH_CHECK_TIMEOUT" yaml:"check_timeout" default:"10s"`
	FailureThreshold int           `env:"HEALTH_FAILURE_THRESHOLD" yaml:"failure_threshold" default:"3"`
}

// Validate reports every invalid field at once.
func (c *AppConfig) Validate() error {
	var result error

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port must be in [1, 65535], got %d", c.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("log_level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		result = multierror.Append(result, fmt.Errorf("log_format must be json or text, got %q", c.Logging.Format))
	}

	switch c.Channel.Driver {
	case "gateway":
		if c.Channel.GatewayURL == "" {
			result = multierror.Append(result, fmt.Errorf("gateway_url is required for the gateway driver"))
		}
	case "telegram", "slack":
	default:
		result = multierror.Append(result, fmt.Errorf("channel driver must be one of [gateway, telegram, slack], got %q", c.Channel.Driver))
	}

	if c.Dispatch.Attempts < 1 {
		result = multierror.Append(result, fmt.Errorf("dispatch attempts must be at least 1, got %d", c.Dispatch.Attempts))
	}

	if c.AutoReply.StartHour < 0 || c.AutoReply.StartHour > 23 {
		result = multierror.Append(result, fmt.Errorf("business_hours_start must be in [0, 23], got %d", c.AutoReply.StartHour))
	}
	if c.AutoReply.EndHour < 1 || c.AutoReply.EndHour > 24 {
		result = multierror.Append(result, fmt.Errorf("business_hours_end must be in [1, 24], got %d", c.AutoReply.EndHour))
	}
	if c.AutoReply.StartHour >= c.AutoReply.EndHour {
		result = multierror.Append(result, fmt.Errorf("business hours window is empty: start %d >= end %d", c.AutoReply.StartHour, c.AutoReply.EndHour))
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("metrics_port must be in [1, 65535], got %d", c.Metrics.Port))
	}

	return result
}

// Load reads the config from an optional YAML file plus the
// environment.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := config.GetConfig(&cfg, path, true); err != nil {
		return nil, err
	}
	return &cfg, nil
}
