package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full labeler configuration.
type Config struct {
	Jetstream JetstreamConfig `koanf:"jetstream"`
	Labeler   LabelerConfig   `koanf:"labeler"`
	Limiter   LimiterConfig   `koanf:"limiter"`
	Rules     RulesConfig     `koanf:"rules"`
	Store     StoreConfig     `koanf:"store"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// JetstreamConfig drives the firehose subscription.
type JetstreamConfig struct {
	Disabled bool   `koanf:"disabled"`
	URL      string `koanf:"url" validate:"required,url"`

	// OverrideURL replaces URL entirely; only the cursor is sent to it.
	OverrideURL        string        `koanf:"override_url" validate:"omitempty,url"`
	SubscriptionID     string        `koanf:"subscription_id"`
	WantedCollections  []string      `koanf:"wanted_collections" validate:"min=1,dive,required"`
	OverrideCursor     string        `koanf:"override_cursor"`
	IgnoreStoredCursor bool          `koanf:"ignore_stored_cursor"`
	ReconnectDelayMS   int           `koanf:"reconnect_delay_ms" validate:"gte=0"`
	CheckpointEvery    int           `koanf:"checkpoint_every" validate:"gte=1"`
	CommitKinds        []string      `koanf:"commit_kinds" validate:"min=1"`
	HandoffBuffer      int           `koanf:"handoff_buffer" validate:"gte=0"`
	PingInterval       time.Duration `koanf:"ping_interval"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
}

// ReconnectDelay is the wait between a connection failure and the next dial.
func (j JetstreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(j.ReconnectDelayMS) * time.Millisecond
}

// Identity names the checkpoint row for this subscription.
func (j JetstreamConfig) Identity() string {
	if j.SubscriptionID != "" {
		return j.SubscriptionID
	}
	return j.URL
}

// LabelerConfig holds the moderation API credentials.
type LabelerConfig struct {
	Service        string        `koanf:"service" validate:"required,url"`
	Identifier     string        `koanf:"identifier"`
	Password       string        `koanf:"password"`
	LabelerDID     string        `koanf:"labeler_did"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`

	// LoginFailureThreshold is how many consecutive failed logins trip the cooldown.
	LoginFailureThreshold uint32 `koanf:"login_failure_threshold" validate:"gte=1"`
}

// ProxyDID is the labeler service the moderation calls are proxied to.
func (l LabelerConfig) ProxyDID() string {
	if l.LabelerDID != "" {
		return l.LabelerDID
	}
	return l.Identifier
}

// LimiterConfig seeds the action limiter.
type LimiterConfig struct {
	Reservoir      int           `koanf:"reservoir" validate:"gte=0"`
	RefillAmount   int           `koanf:"refill_amount" validate:"gte=1"`
	RefillInterval time.Duration `koanf:"refill_interval" validate:"gt=0"`
	MinSpacing     time.Duration `koanf:"min_spacing" validate:"gte=0"`
	Cooldown       time.Duration `koanf:"cooldown" validate:"gt=0"`
}

// RuleConfig toggles one content rule. TagMatch is "exact" or "contains".
type RuleConfig struct {
	Disabled    bool     `koanf:"disabled"`
	Label       string   `koanf:"label" validate:"required_if=Disabled false"`
	ParentLabel string   `koanf:"parent_label"`
	Tags        []string `koanf:"tags"`
	TagMatch    string   `koanf:"tag_match" validate:"omitempty,oneof=exact contains"`
	Markers     []string `koanf:"markers"`
}

// RulesConfig holds the built-in rules.
type RulesConfig struct {
	Spoiler RuleConfig `koanf:"spoiler"`
	AI      RuleConfig `koanf:"ai"`
}

// StoreConfig locates the badger database holding checkpoints and sessions.
type StoreConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// KafkaConfig enables the moderation audit topic. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// ServerConfig is the admin HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// Addr is the host:port the admin server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Jetstream.Disabled && (c.Labeler.Identifier == "" || c.Labeler.Password == "") {
		return fmt.Errorf("invalid configuration: labeler identifier and password are required while the subscription is enabled")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("invalid configuration: kafka topic is required when brokers are set")
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("invalid configuration: store path is required unless in_memory is set")
	}
	return nil
}
