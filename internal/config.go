package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds HTTP listener configuration.
	Server struct {
		Port              int    `yaml:"port"`
		ReadTimeoutMS     int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS    int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS     int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS      int64  `yaml:"read_header_timeout_ms"`
		ShutdownTimeoutMS int64  `yaml:"shutdown_timeout_ms"`
		MaxBodyBytes      int64  `yaml:"max_body_bytes"`
		RateLimitRPS      int64  `yaml:"rate_limit_rps"`
		RateLimitBurst    int64  `yaml:"rate_limit_burst"`
		MetricsEnabled    bool   `yaml:"metrics_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"server"`
	Log LogConfig `yaml:"log"`
	// Providers contains webhook sender configuration.
	Providers struct {
		GitHub ProviderConfig `yaml:"github"`
	} `yaml:"providers"`
	Queue   QueueConfig   `yaml:"queue"`
	Notify  NotifyConfig  `yaml:"notify"`
	Storage StorageConfig `yaml:"storage"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig `yaml:",inline"`
	Rules     []Rule `yaml:"rules"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig represents the configuration for the GitHub webhook endpoint.
type ProviderConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
	// APIToken enables changed-file lookups for pull requests.
	APIToken   string `yaml:"api_token"`
	APIBaseURL string `yaml:"api_base_url"`
}

// QueueConfig selects the work queue backend and the retry policy stamped on every job.
type QueueConfig struct {
	Driver          string      `yaml:"driver"`
	Name            string      `yaml:"name"`
	Attempts        int         `yaml:"attempts"`
	BackoffMS       int64       `yaml:"backoff_ms"`
	KeepCompleted   int         `yaml:"keep_completed"`
	KeepFailed      int         `yaml:"keep_failed"`
	DefaultPriority int         `yaml:"default_priority"`
	Redis           RedisConfig `yaml:"redis"`
	River           RiverConfig `yaml:"river"`
}

// RedisConfig locates the Redis queue. PromoteIntervalMS is how often due
// retries are moved back to waiting.
type RedisConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	Prefix            string `yaml:"prefix"`
	DialTimeoutMS     int64  `yaml:"dial_timeout_ms"`
	PromoteIntervalMS int64  `yaml:"promote_interval_ms"`
}

// Addr returns host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type RiverConfig struct {
	DSN            string `yaml:"dsn"`
	Migrate        bool   `yaml:"migrate"`
	TrimIntervalMS int64  `yaml:"trim_interval_ms"`
}

// NotifyConfig configures the Watermill publishers that receive dispatch outcomes.
// An empty driver list disables notifications.
type NotifyConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	Topic        string             `yaml:"topic"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// StorageConfig configures the optional delivery audit table.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Dialect     string `yaml:"dialect"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

func (c StorageConfig) Enabled() bool {
	return c.DSN != ""
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// LoadConfig loads the full application configuration from a YAML file.
// It expands environment variables, applies legacy environment fallbacks and
// defaults, then validates the result. An empty path yields a configuration
// built from the environment alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvFallbacks(&cfg.AppConfig)
	applyDefaults(&cfg.AppConfig)
	if err := validate(&cfg.AppConfig); err != nil {
		return cfg, err
	}
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

// applyEnvFallbacks fills unset values from the variables older deployments use.
func applyEnvFallbacks(cfg *AppConfig) {
	if cfg.Providers.GitHub.Secret == "" {
		cfg.Providers.GitHub.Secret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	}
	if cfg.Providers.GitHub.APIToken == "" {
		cfg.Providers.GitHub.APIToken = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.Queue.Redis.Host == "" {
		cfg.Queue.Redis.Host = os.Getenv("REDIS_HOST")
	}
	if cfg.Queue.Redis.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("REDIS_PORT")); err == nil {
			cfg.Queue.Redis.Port = port
		}
	}
	if cfg.Queue.Redis.Password == "" {
		cfg.Queue.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.Queue.River.DSN == "" {
		cfg.Queue.River.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = os.Getenv("LOG_LEVEL")
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.ShutdownTimeoutMS == 0 {
		cfg.Server.ShutdownTimeoutMS = 10000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 5 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/queue/metrics"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Providers.GitHub.Path == "" {
		cfg.Providers.GitHub.Path = "/webhooks/github"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "redis"
	}
	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "security-analysis"
	}
	if cfg.Queue.Attempts == 0 {
		cfg.Queue.Attempts = 3
	}
	if cfg.Queue.BackoffMS == 0 {
		cfg.Queue.BackoffMS = 2000
	}
	if cfg.Queue.KeepCompleted == 0 {
		cfg.Queue.KeepCompleted = 100
	}
	if cfg.Queue.KeepFailed == 0 {
		cfg.Queue.KeepFailed = 100
	}
	if cfg.Queue.DefaultPriority == 0 {
		cfg.Queue.DefaultPriority = 5
	}
	if cfg.Queue.Redis.Host == "" {
		cfg.Queue.Redis.Host = "localhost"
	}
	if cfg.Queue.Redis.Port == 0 {
		cfg.Queue.Redis.Port = 6379
	}
	if cfg.Queue.Redis.Prefix == "" {
		cfg.Queue.Redis.Prefix = "sentinelhooks"
	}
	if cfg.Queue.Redis.DialTimeoutMS == 0 {
		cfg.Queue.Redis.DialTimeoutMS = 5000
	}
	if cfg.Queue.Redis.PromoteIntervalMS == 0 {
		cfg.Queue.Redis.PromoteIntervalMS = 1000
	}
	if cfg.Queue.River.TrimIntervalMS == 0 {
		cfg.Queue.River.TrimIntervalMS = 60000
	}
	if cfg.Notify.Topic == "" {
		cfg.Notify.Topic = "security-analysis.dispatch"
	}
	if cfg.Notify.GoChannel.OutputChannelBuffer == 0 {
		cfg.Notify.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Notify.HTTP.Mode == "" {
		cfg.Notify.HTTP.Mode = "topic_url"
	}
	if cfg.Notify.PublishRetry.Attempts == 0 {
		cfg.Notify.PublishRetry.Attempts = 3
	}
	if cfg.Notify.PublishRetry.DelayMS == 0 {
		cfg.Notify.PublishRetry.DelayMS = 500
	}
	if cfg.Storage.Enabled() && cfg.Storage.Driver == "" && cfg.Storage.Dialect == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "sentinelhooks_deliveries"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
}

func validate(cfg *AppConfig) error {
	var err error
	switch cfg.Queue.Driver {
	case "redis":
	case "river":
		if cfg.Queue.River.DSN == "" {
			err = errors.Join(err, errors.New("queue.river.dsn is required for the river driver"))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unsupported queue driver: %s", cfg.Queue.Driver))
	}
	if cfg.Queue.Attempts < 1 {
		err = errors.Join(err, fmt.Errorf("queue.attempts must be at least 1, got %d", cfg.Queue.Attempts))
	}
	if cfg.Queue.BackoffMS < 0 {
		err = errors.Join(err, fmt.Errorf("queue.backoff_ms must not be negative, got %d", cfg.Queue.BackoffMS))
	}
	if cfg.Queue.DefaultPriority < 1 || cfg.Queue.DefaultPriority > 10 {
		err = errors.Join(err, fmt.Errorf("queue.default_priority must be within 1..10, got %d", cfg.Queue.DefaultPriority))
	}
	if !strings.HasPrefix(cfg.Providers.GitHub.Path, "/") {
		err = errors.Join(err, fmt.Errorf("providers.github.path must start with /, got %q", cfg.Providers.GitHub.Path))
	}
	return err
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		if rule.When == "" {
			return nil, fmt.Errorf("rule %d is missing when", i)
		}
		if rule.Priority < 1 || rule.Priority > 10 {
			return nil, fmt.Errorf("rule %d priority must be within 1..10, got %d", i, rule.Priority)
		}
		if len(rule.Events) > 0 {
			events := make([]string, 0, len(rule.Events))
			for _, event := range rule.Events {
				trimmed := strings.ToLower(strings.TrimSpace(event))
				if trimmed != "" {
					events = append(events, trimmed)
				}
			}
			rule.Events = events
		}
		out = append(out, rule)
	}
	return out, nil
}
