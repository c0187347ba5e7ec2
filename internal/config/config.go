// Package config loads relay configuration from defaults, an optional YAML
// file and RELAY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the relay.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Assignments AssignmentsConfig `yaml:"assignments"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Store       StoreConfig       `yaml:"store"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0s"`
}

// GatewayConfig controls how upgrade requests are classified and served.
type GatewayConfig struct {
	Path           string        `yaml:"path" validate:"required,startswith=/"`
	UsernameHeader string        `yaml:"username_header" validate:"required"`
	PasswordHeader string        `yaml:"password_header" validate:"required"`
	IdentityParam  string        `yaml:"identity_param" validate:"required"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0s"`
	// ReplaceGrace is how long a displaced device connection may keep draining
	// after a newer connection for the same name was admitted.
	ReplaceGrace time.Duration `yaml:"replace_grace" validate:"gte=0s"`
	// AuthRate is the sustained number of device verification attempts per
	// second. Zero disables the limiter.
	AuthRate  float64 `yaml:"auth_rate" validate:"gte=0"`
	AuthBurst int     `yaml:"auth_burst" validate:"gte=0"`
}

// LivenessConfig contains the ping sweep period.
type LivenessConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0s"`
}

// AssignmentsConfig bounds the operator to device assignment cache.
type AssignmentsConfig struct {
	// TTL of a cached assignment. Zero keeps entries until evicted by size.
	TTL  time.Duration `yaml:"ttl" validate:"gte=0s"`
	Size int           `yaml:"size" validate:"gte=0"`
}

// UpstreamConfig contains the external service endpoints.
type UpstreamConfig struct {
	VerifyURL     string        `yaml:"verify_url" validate:"required,url"`
	AssignmentURL string        `yaml:"assignment_url" validate:"required,url"`
	ConditionURL  string        `yaml:"condition_url" validate:"omitempty,url"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0s"`
}

// TriggerConfig controls the periodic condition poll.
type TriggerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gt=0s"`
}

// StoreConfig configures the device presence journal. An empty path disables it.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention" validate:"gte=0s"`
}

// MQTTConfig configures the optional event mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix" validate:"required_if=Enabled true"`
	QoS         int    `yaml:"qos" validate:"gte=0,lte=2"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=json text"`
	Output string `yaml:"output" validate:"oneof=stdout stderr"`
}

// Default returns a Config with the built-in defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Gateway: GatewayConfig{
			Path:           "/",
			UsernameHeader: "X-Username",
			PasswordHeader: "X-Password",
			IdentityParam:  "email",
			MaxMessageSize: 4096,
			WriteTimeout:   10 * time.Second,
			ReplaceGrace:   2 * time.Second,
			AuthRate:       5,
			AuthBurst:      20,
		},
		Liveness: LivenessConfig{
			Interval: 30 * time.Second,
		},
		Assignments: AssignmentsConfig{
			TTL:  10 * time.Minute,
			Size: 4096,
		},
		Upstream: UpstreamConfig{
			Timeout: 10 * time.Second,
		},
		Trigger: TriggerConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
		Store: StoreConfig{
			Retention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			ClientID:    "wemos-relay",
			TopicPrefix: "relay",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration. An empty path skips the file and uses
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies RELAY_* variables. PORT is honoured for hosting
// platforms that assign the listen port.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RELAY_VERIFY_URL"); v != "" {
		cfg.Upstream.VerifyURL = v
	}
	if v := os.Getenv("RELAY_ASSIGNMENT_URL"); v != "" {
		cfg.Upstream.AssignmentURL = v
	}
	if v := os.Getenv("RELAY_CONDITION_URL"); v != "" {
		cfg.Upstream.ConditionURL = v
	}
	if v := os.Getenv("RELAY_TRIGGER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAY_TRIGGER_ENABLED: %w", err)
		}
		cfg.Trigger.Enabled = enabled
	}
	if v := os.Getenv("RELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RELAY_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("RELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("RELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-section rules that struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("configuration errors: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Trigger.Enabled && c.Upstream.ConditionURL == "" {
		return errors.New("configuration errors: upstream.condition_url is required when trigger.enabled is true")
	}
	return nil
}
