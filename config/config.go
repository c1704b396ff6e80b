package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

// ClientConfig is read by the headless consultation client.
type ClientConfig struct {
	SignalURL      string
	APIURL         string
	ConsultationID string
	Token          string
	Role           string
	Orientation    string
	DialTimeout    time.Duration

	ICEServers             []string
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			TTL:      getDuration("REDIS_TTL", 24*time.Hour),
		},
		Client: ClientConfig{
			SignalURL:      getEnv("SIGNAL_URL", "ws://localhost:8080"),
			APIURL:         getEnv("API_URL", "http://localhost:8080"),
			ConsultationID: getEnv("CONSULTATION_ID", ""),
			Token:          getEnv("CONSULT_TOKEN", ""),
			Role:           getEnv("CONSULT_ROLE", "patient"),
			Orientation:    getEnv("ORIENTATION", "portrait"),
			DialTimeout:    getDuration("DIAL_TIMEOUT", 15*time.Second),

			ICEServers:             getList("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			ICEDisconnectedTimeout: getDuration("ICE_DISCONNECTED_TIMEOUT", 10*time.Second),
			ICEFailedTimeout:       getDuration("ICE_FAILED_TIMEOUT", 30*time.Second),
		},
	}
}

// NewLogger returns a JSON logger in production and a console logger
// everywhere else.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.Environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// getList parses a comma-separated value, skipping blanks.
func getList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
