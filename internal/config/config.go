package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	NodeID                int    `env:"NODE_ID" envDefault:"0"`
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	QueueCap              int    `env:"QUEUE_CAP" envDefault:"100"`
	QueueTimeoutSeconds   int    `env:"QUEUE_TIMEOUT_SECONDS" envDefault:"1800"`
	MatchIntervalMillis   int    `env:"MATCH_INTERVAL_MS" envDefault:"1000"`
	MatchAgeWindowSeconds int    `env:"MATCH_AGE_WINDOW_SECONDS" envDefault:"300"`
	MatchGraceSeconds     int    `env:"MATCH_GRACE_SECONDS" envDefault:"600"`
	RecentMatchTTLSeconds int    `env:"RECENT_MATCH_TTL_SECONDS" envDefault:"1800"`
	LeaderTTLSeconds      int    `env:"LEADER_TTL_SECONDS" envDefault:"15"`
	NotifyLimitPerMinute  int    `env:"NOTIFY_LIMIT_PER_MINUTE" envDefault:"5"`
	CallLogRetentionDays  int    `env:"CALL_LOG_RETENTION_DAYS" envDefault:"30"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

func (c *Config) MatchInterval() time.Duration {
	return time.Duration(c.MatchIntervalMillis) * time.Millisecond
}

func (c *Config) MatchAgeWindow() time.Duration {
	return time.Duration(c.MatchAgeWindowSeconds) * time.Second
}

func (c *Config) MatchGrace() time.Duration {
	return time.Duration(c.MatchGraceSeconds) * time.Second
}

func (c *Config) RecentMatchTTL() time.Duration {
	return time.Duration(c.RecentMatchTTLSeconds) * time.Second
}

func (c *Config) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderTTLSeconds) * time.Second
}

func (c *Config) CallLogRetention() time.Duration {
	return time.Duration(c.CallLogRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if c.NodeID < 0 {
		return fmt.Errorf("NODE_ID must be >= 0, got %d", c.NodeID)
	}
	if c.QueueCap <= 0 {
		return fmt.Errorf("QUEUE_CAP must be positive, got %d", c.QueueCap)
	}
	if c.MatchIntervalMillis < 100 {
		return fmt.Errorf("MATCH_INTERVAL_MS must be at least 100, got %d", c.MatchIntervalMillis)
	}
	if c.MatchGraceSeconds < c.MatchAgeWindowSeconds {
		return fmt.Errorf("MATCH_GRACE_SECONDS (%d) must not be smaller than MATCH_AGE_WINDOW_SECONDS (%d)",
			c.MatchGraceSeconds, c.MatchAgeWindowSeconds)
	}
	if time.Duration(c.LeaderTTLSeconds)*time.Second < 2*LeaderRenewInterval {
		log.Warn().
			Int("leaderTTL", c.LeaderTTLSeconds).
			Msg("LEADER_TTL_SECONDS is close to the renew interval: leadership may flap")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
