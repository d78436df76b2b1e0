package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Server      Server
	Audit       Audit
	Reasoning   Reasoning
	Retrieval   Retrieval
	Redis       RedisConfig
	Postgres    Postgres
	Kafka       Kafka
	LogLevel    string
	MetricsPath string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Audit holds knobs for the deterministic stages and batch runs.
type Audit struct {
	TotalTolerance   decimal.Decimal
	StaleIssueAge    time.Duration
	BatchParallelism int
	MaxBatchSize     int
}

// Reasoning holds provider chain configuration.
type Reasoning struct {
	AttemptTimeout time.Duration
	TotalTimeout   time.Duration
	PrimaryRetries int
	RetryBase      time.Duration
	RetryMax       time.Duration
	MaxToolRounds  int
	Primary        Provider
	Secondary      Provider
}

// Providers counts the enabled endpoints. The primary slot always counts.
func (r Reasoning) Providers() int {
	n := 1
	if r.Secondary.Enabled() {
		n++
	}
	return n
}

// MinTotalTimeout is the shortest shared deadline that still gives every
// provider one full attempt. The chain holds that much back for the
// secondaries while the primary retries.
func (r Reasoning) MinTotalTimeout() time.Duration {
	return time.Duration(r.Providers()) * r.AttemptTimeout
}

// Provider describes one chat-completions endpoint.
type Provider struct {
	Name      string
	BaseURL   string
	Model     string
	APIKey    string
	RateLimit float64 // requests per second, 0 disables limiting
}

// Enabled reports whether the provider has an endpoint.
func (p Provider) Enabled() bool {
	return p.BaseURL != ""
}

// Retrieval configures the context retrieval collaborator.
type Retrieval struct {
	BaseURL  string
	Timeout  time.Duration
	TopK     int
	CacheTTL time.Duration
}

// RedisConfig holds connection settings for the retrieval cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres configures the decision store. Empty DSN selects the in-memory store.
type Postgres struct {
	DSN string
}

// Kafka configures decision event publishing. No brokers disables publishing.
type Kafka struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            getenv("NFAUDIT_ADDR", ":8080"),
			ShutdownTimeout: getDuration("NFAUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Audit: Audit{
			TotalTolerance:   getDecimal("NFAUDIT_TOTAL_TOLERANCE", decimal.RequireFromString("0.10")),
			StaleIssueAge:    getDuration("NFAUDIT_STALE_ISSUE_AGE", 60*24*time.Hour),
			BatchParallelism: getInt("NFAUDIT_BATCH_PARALLELISM", 4),
			MaxBatchSize:     getInt("NFAUDIT_MAX_BATCH_SIZE", 100),
		},
		Reasoning: Reasoning{
			AttemptTimeout: getDuration("NFAUDIT_PROVIDER_ATTEMPT_TIMEOUT", 30*time.Second),
			TotalTimeout:   getDuration("NFAUDIT_REASONING_TIMEOUT", 90*time.Second),
			PrimaryRetries: getInt("NFAUDIT_PRIMARY_RETRIES", 2),
			RetryBase:      getDuration("NFAUDIT_RETRY_BASE", 500*time.Millisecond),
			RetryMax:       getDuration("NFAUDIT_RETRY_MAX", 5*time.Second),
			MaxToolRounds:  getInt("NFAUDIT_MAX_TOOL_ROUNDS", 4),
			Primary:        providerFromEnv("PRIMARY", "primary"),
			Secondary:      providerFromEnv("SECONDARY", "secondary"),
		},
		Retrieval: Retrieval{
			BaseURL:  os.Getenv("NFAUDIT_RETRIEVAL_URL"),
			Timeout:  getDuration("NFAUDIT_RETRIEVAL_TIMEOUT", 5*time.Second),
			TopK:     getInt("NFAUDIT_RETRIEVAL_TOP_K", 5),
			CacheTTL: getDuration("NFAUDIT_RETRIEVAL_CACHE_TTL", 10*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{DSN: os.Getenv("DATABASE_URL")},
		Kafka: Kafka{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getenv("KAFKA_AUDIT_TOPIC", "nfaudit.decisions"),
		},
		LogLevel:    getenv("LOG_LEVEL", "info"),
		MetricsPath: getenv("NFAUDIT_METRICS_PATH", "/metrics"),
	}
}

// Validate reports configuration that would make the service misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.Audit.TotalTolerance.IsNegative() {
		errs = append(errs, errors.New("total tolerance must not be negative"))
	}
	if c.Audit.BatchParallelism < 1 {
		errs = append(errs, errors.New("batch parallelism must be at least 1"))
	}
	if c.Reasoning.AttemptTimeout <= 0 || c.Reasoning.TotalTimeout <= 0 {
		errs = append(errs, errors.New("reasoning timeouts must be positive"))
	}
	if c.Reasoning.PrimaryRetries < 0 {
		errs = append(errs, errors.New("primary retries must not be negative"))
	}
	if need := c.Reasoning.MinTotalTimeout(); c.Reasoning.AttemptTimeout > 0 && c.Reasoning.TotalTimeout < need {
		errs = append(errs, fmt.Errorf("reasoning timeout %s leaves no full attempt per provider, need at least %s",
			c.Reasoning.TotalTimeout, need))
	}
	if c.Reasoning.MaxToolRounds < 1 {
		errs = append(errs, errors.New("max tool rounds must be at least 1"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, errors.New("retrieval top-k must be at least 1"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func providerFromEnv(slot, fallbackName string) Provider {
	prefix := "NFAUDIT_" + slot + "_PROVIDER_"
	return Provider{
		Name:      getenv(prefix+"NAME", fallbackName),
		BaseURL:   os.Getenv(prefix + "URL"),
		Model:     os.Getenv(prefix + "MODEL"),
		APIKey:    os.Getenv(prefix + "API_KEY"),
		RateLimit: getFloat(prefix+"RATE_LIMIT", 0),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String redacts secrets for startup logging.
func (p Provider) String() string {
	key := ""
	if p.APIKey != "" {
		key = "***"
	}
	return fmt.Sprintf("%s(url=%s model=%s key=%s)", p.Name, p.BaseURL, p.Model, key)
}
