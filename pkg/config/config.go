package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sipsearch-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Store   StoreConfig   `json:"store"`
	Search  SearchConfig  `json:"search"`
	Session SessionConfig `json:"session"`
	Media   MediaConfig   `json:"media"`
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
}

// StoreConfig holds document-store connection and cursor tuning
type StoreConfig struct {
	URI                  string        `json:"uri" env:"STORE_URI"`
	Database             string        `json:"database" env:"STORE_DATABASE"`
	SuffixFormat         string        `json:"suffix_format" env:"STORE_SUFFIX_FORMAT"`
	BatchSize            int32         `json:"batch_size" env:"STORE_BATCH_SIZE"`
	MaxExecutionTime     time.Duration `json:"max_execution_time" env:"STORE_MAX_EXECUTION_TIME"`
	CacheRefreshInterval time.Duration `json:"cache_refresh_interval" env:"STORE_CACHE_REFRESH_INTERVAL"`
}

// SearchConfig holds correlation-engine tuning
type SearchConfig struct {
	AggregationWindow             time.Duration `json:"aggregation_window" env:"SEARCH_AGGREGATION_WINDOW"`
	RegistrationAggregationWindow time.Duration `json:"registration_aggregation_window" env:"SEARCH_REGISTRATION_AGGREGATION_WINDOW"`
	EstablishTimeout              time.Duration `json:"establish_timeout" env:"SEARCH_ESTABLISH_TIMEOUT"`
	TerminationTimeout            time.Duration `json:"termination_timeout" env:"SEARCH_TERMINATION_TIMEOUT"`
	RegistrationDuration          time.Duration `json:"registration_duration" env:"SEARCH_REGISTRATION_DURATION"`
	MaxLegs                       int           `json:"max_legs" env:"SEARCH_MAX_LEGS"`
	DefaultLimit                  int           `json:"default_limit" env:"SEARCH_DEFAULT_LIMIT"`
}

// SessionConfig holds session-assembly tuning
type SessionConfig struct {
	HideRetransmits bool `json:"hide_retransmits" env:"SESSION_HIDE_RETRANSMITS"`
	UseNanos        bool `json:"use_nanos" env:"SESSION_USE_NANOS"`
}

// MediaConfig holds media-reconstruction tuning
type MediaConfig struct {
	BlockDuration time.Duration `json:"block_duration" env:"MEDIA_BLOCK_DURATION"`
	JitterCeiling float64       `json:"jitter_ceiling" env:"MEDIA_JITTER_CEILING"`
}

// HTTPConfig holds the API listener configuration
type HTTPConfig struct {
	Port           int           `json:"port" env:"HTTP_PORT"`
	ReadTimeout    time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	MetricsEnabled bool          `json:"metrics_enabled" env:"HTTP_METRICS_ENABLED"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env file")
	}

	cfg := &Config{
		Store: StoreConfig{
			URI:                  getEnv("STORE_URI", "mongodb://localhost:27017"),
			Database:             getEnv("STORE_DATABASE", "hunt"),
			SuffixFormat:         getEnv("STORE_SUFFIX_FORMAT", "200601"),
			BatchSize:            int32(getEnvInt("STORE_BATCH_SIZE", 128)),
			MaxExecutionTime:     getEnvDuration("STORE_MAX_EXECUTION_TIME", 30*time.Second),
			CacheRefreshInterval: getEnvDuration("STORE_CACHE_REFRESH_INTERVAL", 5*time.Minute),
		},
		Search: SearchConfig{
			AggregationWindow:             getEnvDuration("SEARCH_AGGREGATION_WINDOW", 10*time.Second),
			RegistrationAggregationWindow: getEnvDuration("SEARCH_REGISTRATION_AGGREGATION_WINDOW", 5*time.Second),
			EstablishTimeout:              getEnvDuration("SEARCH_ESTABLISH_TIMEOUT", 60*time.Second),
			TerminationTimeout:            getEnvDuration("SEARCH_TERMINATION_TIMEOUT", 10*time.Minute),
			RegistrationDuration:          getEnvDuration("SEARCH_REGISTRATION_DURATION", 20*time.Minute),
			MaxLegs:                       getEnvInt("SEARCH_MAX_LEGS", 10),
			DefaultLimit:                  getEnvInt("SEARCH_DEFAULT_LIMIT", 50),
		},
		Session: SessionConfig{
			HideRetransmits: getEnvBool("SESSION_HIDE_RETRANSMITS", true),
			UseNanos:        getEnvBool("SESSION_USE_NANOS", false),
		},
		Media: MediaConfig{
			BlockDuration: getEnvDuration("MEDIA_BLOCK_DURATION", time.Second),
			JitterCeiling: getEnvFloat("MEDIA_JITTER_CEILING", 10000),
		},
		HTTP: HTTPConfig{
			Port:           getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:    getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			MetricsEnabled: getEnvBool("HTTP_METRICS_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants before the server starts.
func (c *Config) Validate() error {
	if c.Store.URI == "" {
		return errors.New("store URI must not be empty")
	}
	if c.Store.Database == "" {
		return errors.New("store database must not be empty")
	}
	if c.Store.SuffixFormat == "" {
		return errors.New("store suffix format must not be empty")
	}
	// Lexicographic collection ordering requires a numeric, fixed-width suffix.
	if strings.ContainsAny(c.Store.SuffixFormat, "Jan Mon PM") {
		return errors.New("store suffix format must be numeric (e.g. 200601 or 20060102)")
	}
	if c.Store.BatchSize <= 0 {
		return errors.New("store batch size must be positive")
	}
	if c.Store.MaxExecutionTime <= 0 {
		return errors.New("store max execution time must be positive")
	}
	if c.Search.MaxLegs <= 0 {
		return errors.New("search max legs must be positive")
	}
	if c.Search.DefaultLimit <= 0 {
		return errors.New("search default limit must be positive")
	}
	if c.Media.BlockDuration <= 0 {
		return errors.New("media block duration must be positive")
	}
	if c.Media.JitterCeiling <= 0 {
		return errors.New("media jitter ceiling must be positive")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http port out of range")
	}
	return nil
}

// SetupLogger applies the logging configuration to the given logger.
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, defaulting to info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
