package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the server reads from the environment.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// StoreBackend is one of "memory", "redis" or "dynamodb".
	StoreBackend string
	StoreTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AWSRegion        string
	DynamoDBTable    string
	DynamoDBEndpoint string

	StreamAPIBaseURL     string
	StreamAPITokenID     string
	StreamAPITokenSecret string
	FetchTimeout         time.Duration
	FetchRetries         int

	PollInterval     time.Duration
	OfflineThreshold int
	SweepInterval    time.Duration
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv assembles a Config from the current environment, applying defaults
// for anything unset.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		StoreBackend: GetEnv("STORE_BACKEND", "memory"),
		StoreTimeout: GetEnvDuration("STORE_TIMEOUT", 3*time.Second),

		RedisAddr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),

		AWSRegion:        GetEnv("AWS_REGION", "us-east-1"),
		DynamoDBTable:    GetEnv("DYNAMODB_TABLE", "live_streams"),
		DynamoDBEndpoint: GetEnv("DYNAMODB_ENDPOINT", ""),

		StreamAPIBaseURL:     GetEnv("STREAM_API_BASE_URL", "https://api.mux.com"),
		StreamAPITokenID:     GetEnv("STREAM_API_TOKEN_ID", ""),
		StreamAPITokenSecret: GetEnv("STREAM_API_TOKEN_SECRET", ""),
		FetchTimeout:         GetEnvDuration("FETCH_TIMEOUT", 5*time.Second),
		FetchRetries:         GetEnvInt("FETCH_RETRIES", 2),

		PollInterval:     GetEnvDuration("POLL_INTERVAL", 10*time.Second),
		OfflineThreshold: GetEnvInt("OFFLINE_THRESHOLD", 2),
		SweepInterval:    GetEnvDuration("SWEEP_INTERVAL", time.Minute),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses the environment variable named by key with
// time.ParseDuration ("10s", "1m30s"). A bare integer is read as seconds.
// Unset, empty or invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
