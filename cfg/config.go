package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// IngestionConfiguration controls the asynchronous ingestion engine
type IngestionConfiguration struct {
	MaxAttempts      int `toml:"max_attempts"`       // Attempts per event before terminal failure
	RetryBaseSeconds int `toml:"retry_base_seconds"` // Backoff base; wait = base * 2^attempt
	WorkerSlots      int `toml:"worker_slots"`       // Concurrent processing units
}

// RuleCacheConfiguration bounds the resolved-rule cache
type RuleCacheConfiguration struct {
	Size       int `toml:"size"`
	TTLSeconds int `toml:"ttl_seconds"`
}

// StateCacheConfiguration bounds the CDC last-known-state cache
type StateCacheConfiguration struct {
	Size int `toml:"size"`
}

// SinkConfiguration describes one outbound destination for CDC deltas
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`   // "kafka", "nats", "log"
	Format      string   `toml:"format"` // "json", "msgpack"
	Topic       string   `toml:"topic"`
	Brokers     []string `toml:"brokers"`  // kafka only
	NatsURL     string   `toml:"nats_url"` // nats only
	TopicPrefix string   `toml:"topic_prefix"`
}

// BatchTopicConfiguration enables batch consumption for one inbound topic
type BatchTopicConfiguration struct {
	Topic     string `toml:"topic"`
	BatchSize int    `toml:"batch_size"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// IngressConfiguration controls the inbound Kafka consumers
type IngressConfiguration struct {
	Enabled     bool                      `toml:"enabled"`
	Brokers     []string                  `toml:"brokers"`
	Topics      []string                  `toml:"topics"`
	GroupID     string                    `toml:"group_id"`
	BatchTopics []BatchTopicConfiguration `toml:"batch_topics"`
}

// APIConfiguration controls the HTTP surface
type APIConfiguration struct {
	Enabled     bool     `toml:"enabled"`
	BindAddress string   `toml:"bind_address"`
	Port        int      `toml:"port"`
	AuthTokens  []string `toml:"auth_tokens"` // Empty disables token auth
}

// StaticRule seeds the in-memory rule store from configuration
type StaticRule struct {
	TenantID            string   `toml:"tenant_id"`
	SourceID            string   `toml:"source_id"`
	SourceType          string   `toml:"source_type"`
	AllowedInputFormats []string `toml:"allowed_input_formats"`
	AllowedOutputForms  []string `toml:"allowed_output_formats"`
	RequiredFields      []string `toml:"required_fields"`
	PIIFields           []string `toml:"pii_fields"`
	Priority            string   `toml:"priority"`
	BatchingAllowed     bool     `toml:"batching_allowed"`
	MaxBatchSize        int      `toml:"max_batch_size"`
	UseGlobalDefaults   bool     `toml:"use_global_defaults"`
	EncryptFields       []string `toml:"encrypt_fields"`
}

// RulesConfiguration seeds and bounds rule resolution
type RulesConfiguration struct {
	Cache  RuleCacheConfiguration `toml:"cache"`
	Static []StaticRule           `toml:"static"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`

	Ingestion  IngestionConfiguration  `toml:"ingestion"`
	Rules      RulesConfiguration      `toml:"rules"`
	StateCache StateCacheConfiguration `toml:"state_cache"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Ingress    IngressConfiguration    `toml:"ingress"`
	API        APIConfiguration        `toml:"api"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	APIPortFlag    = flag.Int("api-port", 0, "HTTP API port (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate

	Ingestion: IngestionConfiguration{
		MaxAttempts:      3,
		RetryBaseSeconds: 1, // Waits: 2s, 4s after attempts 1 and 2
		WorkerSlots:      64,
	},

	Rules: RulesConfiguration{
		Cache: RuleCacheConfiguration{
			Size:       1000,
			TTLSeconds: 3600, // 1 hour staleness window for rule changes
		},
	},

	StateCache: StateCacheConfiguration{
		Size: 10_000,
	},

	Sinks: []SinkConfiguration{
		{Name: "local", Type: "log", Format: "json", Topic: "metadata.cdc"},
	},

	Ingress: IngressConfiguration{
		Enabled: false,
		GroupID: "metapipe",
	},

	API: APIConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *APIPortFlag != 0 {
		Config.API.Port = *APIPortFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("metapipe")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Ingestion.MaxAttempts < 1 {
		return fmt.Errorf("ingestion max attempts must be >= 1")
	}

	if Config.Ingestion.RetryBaseSeconds < 0 {
		return fmt.Errorf("ingestion retry base must be >= 0")
	}

	if Config.Ingestion.WorkerSlots < 1 {
		return fmt.Errorf("ingestion worker slots must be >= 1")
	}

	if Config.Rules.Cache.Size < 1 {
		return fmt.Errorf("rule cache size must be >= 1")
	}

	if Config.Rules.Cache.TTLSeconds < 1 {
		return fmt.Errorf("rule cache TTL must be >= 1 second")
	}

	if Config.StateCache.Size < 1 {
		return fmt.Errorf("state cache size must be >= 1")
	}

	if Config.API.Enabled && (Config.API.Port < 1 || Config.API.Port > 65535) {
		return fmt.Errorf("invalid API port: %d", Config.API.Port)
	}

	validSinkTypes := map[string]bool{"kafka": true, "nats": true, "log": true}
	validFormats := map[string]bool{"json": true, "msgpack": true}

	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink requires a name")
		}
		if !validSinkTypes[sink.Type] {
			return fmt.Errorf("invalid sink type for %q: %s", sink.Name, sink.Type)
		}
		if !validFormats[sink.Format] {
			return fmt.Errorf("invalid sink format for %q: %s", sink.Name, sink.Format)
		}
		if sink.Type == "kafka" && len(sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink %q requires brokers", sink.Name)
		}
		if sink.Type == "nats" && sink.NatsURL == "" {
			return fmt.Errorf("nats sink %q requires nats_url", sink.Name)
		}
	}

	if Config.Ingress.Enabled {
		if len(Config.Ingress.Brokers) == 0 {
			return fmt.Errorf("ingress requires brokers")
		}
		if len(Config.Ingress.Topics) == 0 && len(Config.Ingress.BatchTopics) == 0 {
			return fmt.Errorf("ingress requires at least one topic")
		}
		for _, bt := range Config.Ingress.BatchTopics {
			if bt.Topic == "" {
				return fmt.Errorf("batch topic requires a name")
			}
			if bt.BatchSize < 1 {
				return fmt.Errorf("batch size for topic %q must be >= 1", bt.Topic)
			}
		}
	}

	validPriorities := map[string]bool{"": true, "LOW": true, "MEDIUM": true, "HIGH": true}
	for _, sr := range Config.Rules.Static {
		if sr.TenantID == "" || sr.SourceID == "" {
			return fmt.Errorf("static rule requires tenant_id and source_id")
		}
		if !validPriorities[sr.Priority] {
			return fmt.Errorf("invalid priority for rule %s_%s: %s", sr.TenantID, sr.SourceID, sr.Priority)
		}
	}

	return nil
}

// BatchConfigFor returns the batch configuration for a topic, if any.
func BatchConfigFor(topic string) (BatchTopicConfiguration, bool) {
	for _, bt := range Config.Ingress.BatchTopics {
		if bt.Topic == topic {
			return bt, true
		}
	}
	return BatchTopicConfiguration{}, false
}
