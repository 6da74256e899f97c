// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// AI backend names accepted by AI_BACKEND.
const (
	BackendAnthropic = "anthropic"
	BackendNone      = "none"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/digest.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	QueueName         string `env:"QUEUE_NAME" envDefault:"digest"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobStaleAfter is how long a job may stay running before a worker
	// releases it as orphaned.
	JobStaleAfter time.Duration `env:"JOB_STALE_AFTER" envDefault:"1h"`

	CredentialsKey string `env:"CREDENTIALS_KEY"`

	ScraperURL          string        `env:"SCRAPER_URL" envDefault:"http://localhost:8090"`
	ListFeedURL         string        `env:"LIST_FEED_URL"`
	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`
	BookmarkMaxItems    int           `env:"BOOKMARK_MAX_ITEMS" envDefault:"1000"`
	CuratedFeedNumItems int           `env:"CURATED_FEED_NUM_ITEMS" envDefault:"100"`
	ListMaxItems        int           `env:"LIST_MAX_ITEMS" envDefault:"500"`

	AIBackend       string `env:"AI_BACKEND"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`

	EventMinItems            int     `env:"EVENT_MIN_ITEMS" envDefault:"3"`
	EventSimilarityThreshold float64 `env:"EVENT_SIMILARITY_THRESHOLD" envDefault:"0.3"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.AIBackend {
	case "":
		if c.AnthropicAPIKey != "" {
			c.AIBackend = BackendAnthropic
		} else {
			c.AIBackend = BackendNone
		}
	case BackendAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("AI_BACKEND=anthropic requires ANTHROPIC_API_KEY")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown AI_BACKEND %q", c.AIBackend)
	}

	limits := []struct {
		name  string
		value int
	}{
		{"WORKER_CONCURRENCY", c.WorkerConcurrency},
		{"BOOKMARK_MAX_ITEMS", c.BookmarkMaxItems},
		{"CURATED_FEED_NUM_ITEMS", c.CuratedFeedNumItems},
		{"LIST_MAX_ITEMS", c.ListMaxItems},
		{"EVENT_MIN_ITEMS", c.EventMinItems},
	}
	for _, l := range limits {
		if l.value < 1 {
			return fmt.Errorf("%s must be positive, got %d", l.name, l.value)
		}
	}

	if c.EventSimilarityThreshold <= 0 || c.EventSimilarityThreshold > 1 {
		return fmt.Errorf("EVENT_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.EventSimilarityThreshold)
	}
	if c.JobStaleAfter <= c.FetchTimeout {
		return fmt.Errorf("JOB_STALE_AFTER must exceed FETCH_TIMEOUT, got %s", c.JobStaleAfter)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	return nil
}
