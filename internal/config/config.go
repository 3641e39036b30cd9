package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DB       string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port     string
	LogLevel string

	Postgres Postgres

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	// RedisAddr is optional; empty disables the latest-reading cache.
	RedisAddr     string
	RedisPassword string

	CommandTimeout  time.Duration
	DefaultDeviceID string
	CORSOrigins     []string
}

func Load() Config {
	return Config{
		Port:     getenv("PORT", "3001"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Postgres: Postgres{
			User:     getenv("POSTGRES_USER", "farmlink"),
			Password: getenv("POSTGRES_PASSWORD", "farmlink"),
			DB:       getenv("POSTGRES_DB", "farmlink"),
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
		MQTTBrokerURL:   getenv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		MQTTClientID:    getenv("MQTT_CLIENT_ID", "farmlink-server"),
		MQTTTopicPrefix: getenv("MQTT_TOPIC_PREFIX", "farmlink"),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisPassword:   getenv("REDIS_PASSWORD", ""),
		CommandTimeout:  time.Duration(getenvInt("COMMAND_TIMEOUT_MS", 10000)) * time.Millisecond,
		DefaultDeviceID: getenv("DEFAULT_DEVICE_ID", "farmlink-001"),
		CORSOrigins:     splitCSV(getenv("CORS_ORIGINS", "*")),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
