package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	HistoryCacheTTL        time.Duration
	HistoryPageSize        int
	TypingIdleTimeout      time.Duration
	MaxUploadMB            int64
	SendRateLimit          int
	SendRateWindow         time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// MaxUploadBytes returns the upload size cap in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PARLEY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Parley API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cloudinary.folder", "parley/media")
	v.SetDefault("history.cache_ttl", "2m")
	v.SetDefault("history.page_size", 50)
	v.SetDefault("typing.idle_timeout", "4s")
	v.SetDefault("upload.max_mb", 25)
	v.SetDefault("send.rate_limit", 30)
	v.SetDefault("send.rate_window", "10s")

	ttl, err := time.ParseDuration(v.GetString("history.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid history cache ttl: %w", err)
	}

	rateWindow, err := time.ParseDuration(v.GetString("send.rate_window"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid send rate window: %w", err)
	}

	typingIdle, err := time.ParseDuration(v.GetString("typing.idle_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid typing idle timeout: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		HistoryCacheTTL:        ttl,
		HistoryPageSize:        v.GetInt("history.page_size"),
		TypingIdleTimeout:      typingIdle,
		MaxUploadMB:            v.GetInt64("upload.max_mb"),
		SendRateLimit:          v.GetInt("send.rate_limit"),
		SendRateWindow:         rateWindow,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}

	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}

	return cfg, nil
}
