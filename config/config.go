// Package config loads portal configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	portal "github.com/chimerakang/portal-go"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

type Config struct {
	Portal     portal.Config
	Storage    StorageConfig
	Redis      RedisConfig
	ListenAddr string
}

type StorageConfig struct {
	Backend string
	Path    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Load reads .env (when present) and then the PORTAL_* environment.
func Load(files ...string) (*Config, error) {
	// .env is optional outside development
	_ = godotenv.Load(files...)

	cfg := &Config{
		Portal: portal.Config{
			BaseURL:            getEnv("PORTAL_BACKEND_URL", "http://127.0.0.1:8000/api"),
			LoginPath:          getEnv("PORTAL_LOGIN_PATH", portal.DefaultLoginPath),
			RefreshPath:        getEnv("PORTAL_REFRESH_PATH", portal.DefaultRefreshPath),
			LoginScreen:        getEnv("PORTAL_LOGIN_SCREEN", portal.DefaultLoginScreen),
			RequestTimeout:     getDurationEnv("PORTAL_REQUEST_TIMEOUT", portal.DefaultRequestTimeout),
			RotateRefreshToken: getBoolEnv("PORTAL_ROTATE_REFRESH", false),
			MetricsEnabled:     getBoolEnv("PORTAL_METRICS", true),
		},
		Storage: StorageConfig{
			Backend: getEnv("PORTAL_STORAGE", StorageMemory),
			Path:    getEnv("PORTAL_STORAGE_PATH", "portal-session.json"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("PORTAL_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("PORTAL_REDIS_PASSWORD", ""),
			DB:       getIntEnv("PORTAL_REDIS_DB", 0),
			Prefix:   getEnv("PORTAL_REDIS_PREFIX", "portal:session"),
		},
		ListenAddr: getEnv("PORTAL_LISTEN_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot be wired.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("portal/config: PORTAL_STORAGE_PATH is required for file storage")
		}
	default:
		return fmt.Errorf("portal/config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal/config: PORTAL_BACKEND_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
