package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/jetstream-labeler/config.yaml",
}

// DefaultAIBlocklist are the tags that mark a post as AI content.
var DefaultAIBlocklist = []string{
	"ai",
	"aiart",
	"artificialintelligence",
	"generativeai",
	"gpt4",
	"llm",
	"midjourney",
	"proceduralart",
	"stablediffusion",
}

func defaultConfig() *Config {
	return &Config{
		Jetstream: JetstreamConfig{
			URL:               "wss://jetstream1.us-west.bsky.network/subscribe",
			WantedCollections: []string{"app.bsky.feed.post", "app.bsky.feed.repost"},
			ReconnectDelayMS:  3000,
			CheckpointEvery:   1000,
			CommitKinds:       []string{"commit"},
			HandoffBuffer:     4096,
			PingInterval:      30 * time.Second,
			ReadTimeout:       90 * time.Second,
		},
		Labeler: LabelerConfig{
			Service:               "https://bsky.social",
			RequestTimeout:        30 * time.Second,
			LoginFailureThreshold: 1,
		},
		Limiter: LimiterConfig{
			Reservoir:      30,
			RefillAmount:   30,
			RefillInterval: 5 * time.Minute,
			MinSpacing:     100 * time.Millisecond,
			Cooldown:       24 * time.Hour,
		},
		Rules: RulesConfig{
			Spoiler: RuleConfig{
				Label:    "spoiler",
				Tags:     []string{"spoiler"},
				TagMatch: "contains",
				Markers:  []string{"[spoiler]"},
			},
			AI: RuleConfig{
				Label:    "ai-related-content",
				Tags:     DefaultAIBlocklist,
				TagMatch: "exact",
				Markers:  []string{"[ai]"},
			},
		},
		Store: StoreConfig{
			Path: "./data/labeler",
		},
		Kafka: KafkaConfig{
			Topic: "moderation-actions",
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 3000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the optional YAML file and the environment, then validates.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envMappings = map[string]string{
	"jetstream_url":                        "jetstream.url",
	"jetstream_override":                   "jetstream.override_url",
	"disable_jetstream":                    "jetstream.disabled",
	"subscription_id":                      "jetstream.subscription_id",
	"override_cursor":                      "jetstream.override_cursor",
	"disable_cursor":                       "jetstream.ignore_stored_cursor",
	"feedgen_subscription_reconnect_delay": "jetstream.reconnect_delay_ms",
	"wanted_collections":                   "jetstream.wanted_collections",
	"cursor_every":                         "jetstream.checkpoint_every",
	"commit_kinds":                         "jetstream.commit_kinds",

	"mod_bsky_service":        "labeler.service",
	"mod_bsky_username":       "labeler.identifier",
	"mod_bsky_password":       "labeler.password",
	"mod_labeler_did":         "labeler.labeler_did",
	"mod_request_timeout":     "labeler.request_timeout",
	"login_failure_threshold": "labeler.login_failure_threshold",

	"limiter_reservoir":       "limiter.reservoir",
	"limiter_refill_amount":   "limiter.refill_amount",
	"limiter_refill_interval": "limiter.refill_interval",
	"limiter_min_spacing":     "limiter.min_spacing",
	"limiter_cooldown":        "limiter.cooldown",

	"disable_spoilers":     "rules.spoiler.disabled",
	"spoiler_label":        "rules.spoiler.label",
	"spoiler_parent_label": "rules.spoiler.parent_label",
	"disable_aicontent":    "rules.ai.disabled",
	"ai_label":             "rules.ai.label",
	"ai_blocklist_tags":    "rules.ai.tags",
	"ai_parent_label":      "rules.ai.parent_label",

	"store_path":      "store.path",
	"store_in_memory": "store.in_memory",

	"kafka_brokers": "kafka.brokers",
	"kafka_topic":   "kafka.topic",

	"feedgen_listenhost": "server.host",
	"port":               "server.port",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps known variables to config keys; everything else is skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var sliceConfigPaths = []string{
	"jetstream.wanted_collections",
	"jetstream.commit_kinds",
	"rules.ai.tags",
	"rules.spoiler.tags",
	"kafka.brokers",
}

// processSliceFields splits comma-separated env values for slice keys.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
