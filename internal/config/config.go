package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CHAT"
	defaultHTTPAddress       = "0.0.0.0:5001"
	defaultDatabasePath      = "chat.db"
	defaultLogLevel          = "info"
	defaultTokenIssuer       = "chat-auth"
	defaultTokenAudience     = "chat-api"
	defaultSessionTTL        = 24 * time.Hour
	defaultMongoDatabase     = "chat"
	defaultMongoMaxPoolSize  = 100
	defaultNATSSubjectPrefix = "chat.fanout"
	defaultNATSDeadLetter    = "chat.deadletter.messages"
	defaultOpenAIModel       = "gpt-4o-mini"
	defaultRateLimit         = 10000
	defaultRateWindow        = time.Minute
	defaultHistoryPageSize   = 30
	defaultDuplicateGrace    = 10 * time.Second
	defaultUserCacheTTL      = 30 * time.Minute
	defaultPersistWorkers    = 4
	defaultPersistQueueSize  = 1024
	defaultPersistMaxRetries = 3
	defaultPersistRetryDelay = 200 * time.Millisecond
	defaultShutdownTimeout   = 10 * time.Second
	defaultAllowedOrigin     = "*"
)

// AppConfig captures runtime configuration for the chat server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	SessionTTL    time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	MongoURI         string
	MongoDatabase    string
	MongoMaxPoolSize uint64

	DatabasePath string

	NATSURL               string
	NATSSubjectPrefix     string
	NATSDeadLetterSubject string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	RateLimit           int
	RateWindow          time.Duration
	HistoryPageSize     int
	DuplicateLoginGrace time.Duration
	BannedWords         []string
	UserCacheTTL        time.Duration

	PersistWorkers    int
	PersistQueueSize  int
	PersistMaxRetries int
	PersistRetryDelay time.Duration

	ShutdownTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("mongo.uri", "")
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("mongo.max_pool_size", defaultMongoMaxPoolSize)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("nats.subject_prefix", defaultNATSSubjectPrefix)
	configViper.SetDefault("nats.dead_letter_subject", defaultNATSDeadLetter)
	configViper.SetDefault("openai.model", defaultOpenAIModel)
	configViper.SetDefault("chat.rate_limit", defaultRateLimit)
	configViper.SetDefault("chat.rate_window", defaultRateWindow)
	configViper.SetDefault("chat.history_page_size", defaultHistoryPageSize)
	configViper.SetDefault("chat.duplicate_login_grace", defaultDuplicateGrace)
	configViper.SetDefault("chat.banned_words", []string{})
	configViper.SetDefault("cache.user_ttl", defaultUserCacheTTL)
	configViper.SetDefault("persist.workers", defaultPersistWorkers)
	configViper.SetDefault("persist.queue_size", defaultPersistQueueSize)
	configViper.SetDefault("persist.max_retries", defaultPersistMaxRetries)
	configViper.SetDefault("persist.retry_delay", defaultPersistRetryDelay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		AllowedOrigins:        configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout:       configViper.GetDuration("http.shutdown_timeout"),
		LogLevel:              configViper.GetString("log.level"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenIssuer:           configViper.GetString("auth.issuer"),
		TokenAudience:         configViper.GetString("auth.audience"),
		SessionTTL:            configViper.GetDuration("auth.session_ttl"),
		RedisAddress:          strings.TrimSpace(configViper.GetString("redis.addr")),
		RedisPassword:         configViper.GetString("redis.password"),
		RedisDB:               configViper.GetInt("redis.db"),
		MongoURI:              strings.TrimSpace(configViper.GetString("mongo.uri")),
		MongoDatabase:         configViper.GetString("mongo.database"),
		MongoMaxPoolSize:      configViper.GetUint64("mongo.max_pool_size"),
		DatabasePath:          configViper.GetString("database.path"),
		NATSURL:               strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubjectPrefix:     configViper.GetString("nats.subject_prefix"),
		NATSDeadLetterSubject: configViper.GetString("nats.dead_letter_subject"),
		OpenAIAPIKey:          configViper.GetString("openai.api_key"),
		OpenAIBaseURL:         configViper.GetString("openai.base_url"),
		OpenAIModel:           configViper.GetString("openai.model"),
		RateLimit:             configViper.GetInt("chat.rate_limit"),
		RateWindow:            configViper.GetDuration("chat.rate_window"),
		HistoryPageSize:       configViper.GetInt("chat.history_page_size"),
		DuplicateLoginGrace:   configViper.GetDuration("chat.duplicate_login_grace"),
		BannedWords:           configViper.GetStringSlice("chat.banned_words"),
		UserCacheTTL:          configViper.GetDuration("cache.user_ttl"),
		PersistWorkers:        configViper.GetInt("persist.workers"),
		PersistQueueSize:      configViper.GetInt("persist.queue_size"),
		PersistMaxRetries:     configViper.GetInt("persist.max_retries"),
		PersistRetryDelay:     configViper.GetDuration("persist.retry_delay"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("chat.rate_limit must be positive")
	}
	if c.RateWindow < time.Millisecond {
		return fmt.Errorf("chat.rate_window must be at least 1ms")
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("chat.history_page_size must be positive")
	}
	if c.MongoURI != "" && strings.TrimSpace(c.MongoDatabase) == "" {
		return fmt.Errorf("mongo.database is required when mongo.uri is set")
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("persist.workers must be positive")
	}
	return nil
}
