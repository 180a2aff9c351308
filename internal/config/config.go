package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds process configuration. Values come from an optional YAML file
// and are overridden by environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"json"`

	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
	Notify   NotifyConfig   `yaml:"notify"`
	Auth     AuthConfig     `yaml:"auth"`
	Executor ExecutorConfig `yaml:"executor"`

	// SetupFile points at the YAML station definition seeded on start.
	SetupFile string `yaml:"setup_file" env:"SETUP_FILE" env-default:""`
	// ErrorPolicy is the default reaction to an instrument error: skip_device or abort_run.
	ErrorPolicy string `yaml:"error_policy" env:"ERROR_POLICY" env-default:"skip_device"`
}

// DatabaseConfig selects the persistence backend. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL     string `yaml:"-" env:"DATABASE_URL" env-default:""`
	Migrate bool   `yaml:"migrate" env:"DB_MIGRATE" env-default:"true"`
}

// MQTTConfig configures the command consumer and the telemetry forwarder.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"MQTT_BROKER" env-default:""`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"ivlab"`
	Username string `yaml:"username" env:"MQTT_USERNAME" env-default:""`
	Password string `yaml:"-" env:"MQTT_PASSWORD"`
	QoS      byte   `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
}

// RedisConfig configures the optional telemetry stream sink.
type RedisConfig struct {
	Addr   string `yaml:"addr" env:"REDIS_ADDR" env-default:""`
	Stream string `yaml:"stream" env:"REDIS_STREAM" env-default:"ivlab:telemetry"`
	MaxLen int64  `yaml:"max_len" env:"REDIS_STREAM_MAXLEN" env-default:"100000"`
}

// NotifyConfig configures the optional run status webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL" env-default:""`
}

// AuthConfig configures JWT verification for the HTTP surface.
type AuthConfig struct {
	JWTSecret string `yaml:"-" env:"AUTH_JWT_SECRET"`
	Disabled  bool   `yaml:"disabled" env:"AUTH_DISABLED" env-default:"false"`
}

// ExecutorConfig tunes the event executor and attribution store.
type ExecutorConfig struct {
	BatchSize      int           `yaml:"batch_size" env:"SAMPLE_BATCH_SIZE" env-default:"50"`
	Tick           time.Duration `yaml:"tick" env:"MPPT_TICK" env-default:"500ms"`
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL" env-default:"100ms"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"50ms"`
	MeasureTimeout time.Duration `yaml:"measure_timeout" env:"MEASURE_TIMEOUT" env-default:"5s"`
	DefaultMPPT    string        `yaml:"default_mppt" env:"DEFAULT_MPPT" env-default:"basic://0.35:10:0.05"`
}

// Load reads path when it exists and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Executor.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.Executor.Tick <= 0 {
		return errors.New("config: tick must be positive")
	}
	switch c.ErrorPolicy {
	case "skip_device", "abort_run":
	default:
		return fmt.Errorf("config: unknown error_policy %q", c.ErrorPolicy)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: invalid mqtt qos %d", c.MQTT.QoS)
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required unless auth is disabled")
	}
	return nil
}
