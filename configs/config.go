package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIPort    string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost    string
	RedisPort    string
	RedisEnabled bool

	EtcdEndpoints     []string
	LeaderElectionTTL int

	JWTSecret string

	AIServiceURL  string
	QuestionCount int

	PollInterval time.Duration
	PollTimeout  time.Duration

	SweepSchedule string

	ArchiveBucket string
	ArchiveRegion string
	ArchiveDir    string

	TracingEndpoint string
	TracingEnabled  bool
}

func LoadConfig() *Config {
	return &Config{
		APIPort:    getEnv("API_PORT", "8080"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "huddle"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "huddle"),

		RedisHost:    getEnv("REDIS_HOST", "localhost"),
		RedisPort:    getEnv("REDIS_PORT", "6379"),
		RedisEnabled: getEnvAsBool("REDIS_RELAY_ENABLED", false),

		EtcdEndpoints:     []string{getEnv("ETCD_ENDPOINTS", "localhost:2379")},
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),

		JWTSecret: getEnv("JWT_SECRET", ""),

		AIServiceURL:  getEnv("AI_SERVICE_URL", "http://localhost:8090"),
		QuestionCount: getEnvAsInt("QUESTION_COUNT", 5),

		PollInterval: getEnvAsDuration("POLL_INTERVAL", time.Second),
		PollTimeout:  getEnvAsDuration("POLL_TIMEOUT", 25*time.Second),

		SweepSchedule: getEnv("SWEEP_SCHEDULE", "@every 1m"),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion: getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveDir:    getEnv("ARCHIVE_DIR", "/var/lib/huddle/archive"),

		TracingEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
	}
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
