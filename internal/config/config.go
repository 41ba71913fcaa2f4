package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server       ServerConfig
	Scylla       ScyllaConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	SMS          SMSConfig
	AuthProvider AuthProviderConfig
	OTP          OTPConfig
	Hashing      HashingConfig
	Bucketing    BucketingConfig
	Encryption   EncryptionConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type SMSConfig struct {
	APIKey   string
	BaseURL  string
	SenderID string
	Timeout  time.Duration
}

type AuthProviderConfig struct {
	BaseURL        string
	ServiceRoleKey string
	Timeout        time.Duration
}

type OTPConfig struct {
	CodeLength      int
	Expiry          time.Duration
	MaxAttempts     int
	MaxSendsPerSpan int
	SendSpan        time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
	PepperVersion     int
	PepperPrevious    string
}

type BucketingConfig struct {
	UserBuckets int
}

type EncryptionConfig struct {
	KMSEnabled bool
	KMSKeyID   string
	LocalKey   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig loads configuration from the environment (and .env in development).
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// .env is optional; real deployments inject the environment directly.
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "charity_auth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Enabled: getEnvBool("KAFKA_ENABLED", false),
				Brokers: getEnvSlice("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
				Topic:   getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "auth.security-events"),
			},
			SMS: SMSConfig{
				APIKey:   getEnv("SMS_API_KEY", ""),
				BaseURL:  getEnv("SMS_BASE_URL", ""),
				SenderID: getEnv("SMS_SENDER_ID", "CHARITY"),
				Timeout:  getEnvDuration("SMS_TIMEOUT", 10*time.Second),
			},
			AuthProvider: AuthProviderConfig{
				BaseURL:        getEnv("AUTH_PROVIDER_URL", "http://127.0.0.1:9999"),
				ServiceRoleKey: getEnv("AUTH_PROVIDER_SERVICE_ROLE_KEY", ""),
				Timeout:        getEnvDuration("AUTH_PROVIDER_TIMEOUT", 10*time.Second),
			},
			OTP: OTPConfig{
				CodeLength:      getEnvInt("OTP_CODE_LENGTH", 4),
				Expiry:          getEnvDuration("OTP_EXPIRY", 5*time.Minute),
				MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 5),
				MaxSendsPerSpan: getEnvInt("OTP_MAX_SENDS_PER_SPAN", 3),
				SendSpan:        getEnvDuration("OTP_SEND_SPAN", 10*time.Minute),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
				Pepper:            getEnv("OTP_PEPPER", ""),
				PepperVersion:     getEnvInt("OTP_PEPPER_VERSION", 1),
				PepperPrevious:    getEnv("OTP_PEPPER_PREVIOUS", ""),
			},
			Bucketing: BucketingConfig{
				UserBuckets: getEnvInt("USER_BUCKETS", 64),
			},
			Encryption: EncryptionConfig{
				KMSEnabled: getEnvBool("KMS_ENABLED", false),
				KMSKeyID:   getEnv("KMS_KEY_ID", ""),
				LocalKey:   getEnv("ENCRYPTION_LOCAL_KEY", ""),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return globalConfig
}

// Get returns the already-loaded configuration.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsDevelopment() bool {
	return c.Environment != "production"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
