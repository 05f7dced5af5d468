package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the delivery engine
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	API      APIConfig      `mapstructure:"api"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	SuppressionTTL time.Duration `mapstructure:"suppression_ttl"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	RetryTopic      string   `mapstructure:"retry_topic"`
	GroupID         string   `mapstructure:"group_id"`
	MaxRequeues     int      `mapstructure:"max_requeues"`
	ConsumerWorkers int      `mapstructure:"consumer_workers"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// ChannelsConfig holds third-party provider configurations
type ChannelsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	APNS     APNSConfig     `mapstructure:"apns"`
}

// EmailConfig selects and configures the email transport
type EmailConfig struct {
	Provider    string         `mapstructure:"provider"` // sendgrid, postmark
	FromAddress string         `mapstructure:"from_address"`
	FromName    string         `mapstructure:"from_name"`
	ReplyTo     string         `mapstructure:"reply_to"`
	SendGrid    SendGridConfig `mapstructure:"sendgrid"`
	Postmark    PostmarkConfig `mapstructure:"postmark"`
}

// SendGridConfig holds SendGrid email configuration
type SendGridConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// PostmarkConfig holds Postmark email configuration
type PostmarkConfig struct {
	ServerToken  string `mapstructure:"server_token"`
	AccountToken string `mapstructure:"account_token"`
}

// TwilioConfig holds Twilio SMS configuration
type TwilioConfig struct {
	AccountSID     string        `mapstructure:"account_sid"`
	AuthToken      string        `mapstructure:"auth_token"`
	FromNumber     string        `mapstructure:"from_number"`
	BaseURL        string        `mapstructure:"base_url"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// FirebaseConfig holds Firebase push notification configuration
type FirebaseConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// APNSConfig holds Apple Push Notification service configuration
type APNSConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	KeyPath     string        `mapstructure:"key_path"`
	KeyID       string        `mapstructure:"key_id"`
	TeamID      string        `mapstructure:"team_id"`
	Topic       string        `mapstructure:"topic"`
	Production  bool          `mapstructure:"production"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
}

// DeliveryConfig holds engine behaviour
type DeliveryConfig struct {
	SMS  SMSDeliveryConfig  `mapstructure:"sms"`
	Push PushDeliveryConfig `mapstructure:"push"`
}

// SMSDeliveryConfig controls the SMS retry loop
type SMSDeliveryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
	MaxBodyChars int           `mapstructure:"max_body_chars"`
}

// PushDeliveryConfig controls push fan-out
type PushDeliveryConfig struct {
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	SuppressInvalid  bool          `mapstructure:"suppress_invalid"`
	UrgentTemplates  []string      `mapstructure:"urgent_templates"`
	MaxDataValueSize int           `mapstructure:"max_data_value_size"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// AuditConfig controls where audit events are written
type AuditConfig struct {
	Postgres bool `mapstructure:"postgres"`
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Config file not found, using environment variables and defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would otherwise fail deep inside an adapter
func (c *Config) Validate() error {
	switch c.Channels.Email.Provider {
	case "sendgrid", "postmark", "":
	default:
		return fmt.Errorf("unknown email provider %q", c.Channels.Email.Provider)
	}
	if c.Delivery.SMS.MaxAttempts < 1 {
		return fmt.Errorf("delivery.sms.max_attempts must be at least 1")
	}
	if c.Delivery.SMS.JitterFactor < 0 || c.Delivery.SMS.JitterFactor > 1 {
		return fmt.Errorf("delivery.sms.jitter_factor must be within [0, 1]")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "notifications")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.suppression_ttl", 7*24*time.Hour)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "notifications")
	v.SetDefault("kafka.retry_topic", "notifications.retry")
	v.SetDefault("kafka.group_id", "delivery-engine")
	v.SetDefault("kafka.max_requeues", 5)
	v.SetDefault("kafka.consumer_workers", 8)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.grpc_port", 9090)

	// Channel defaults
	v.SetDefault("channels.email.provider", "sendgrid")
	v.SetDefault("channels.email.from_address", "noreply@yourcompany.com")
	v.SetDefault("channels.email.from_name", "Notification Service")
	v.SetDefault("channels.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("channels.twilio.attempt_timeout", 10*time.Second)
	v.SetDefault("channels.firebase.enabled", true)
	v.SetDefault("channels.apns.timeout", 10*time.Second)
	v.SetDefault("channels.apns.max_in_flight", 16)

	// Delivery defaults
	v.SetDefault("delivery.sms.max_attempts", 3)
	v.SetDefault("delivery.sms.base_delay", time.Second)
	v.SetDefault("delivery.sms.max_delay", 10*time.Second)
	v.SetDefault("delivery.sms.jitter_factor", 0.2)
	v.SetDefault("delivery.sms.max_body_chars", 1600)
	v.SetDefault("delivery.push.send_timeout", 30*time.Second)
	v.SetDefault("delivery.push.suppress_invalid", true)
	v.SetDefault("delivery.push.max_data_value_size", 256)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("audit.postgres", false)

	// Map environment variables
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_NAME")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("channels.email.provider", "EMAIL_PROVIDER")
	v.BindEnv("channels.email.sendgrid.api_key", "SENDGRID_API_KEY")
	v.BindEnv("channels.email.postmark.server_token", "POSTMARK_SERVER_TOKEN")
	v.BindEnv("channels.email.postmark.account_token", "POSTMARK_ACCOUNT_TOKEN")
	v.BindEnv("channels.twilio.account_sid", "TWILIO_ACCOUNT_SID")
	v.BindEnv("channels.twilio.auth_token", "TWILIO_AUTH_TOKEN")
	v.BindEnv("channels.twilio.from_number", "TWILIO_FROM_NUMBER")
	v.BindEnv("channels.firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
	v.BindEnv("channels.apns.key_path", "APNS_KEY_PATH")
	v.BindEnv("channels.apns.key_id", "APNS_KEY_ID")
	v.BindEnv("channels.apns.team_id", "APNS_TEAM_ID")
	v.BindEnv("channels.apns.topic", "APNS_TOPIC")
}
