// Package redis publishes scale decisions through Redis for an external
// controller to act on.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"frontdoor/internal/core"
	"frontdoor/pkg/errors"
)

// Config holds Redis sink configuration
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Key holds the latest decision
	Key string `yaml:"key"`
	// Channel receives every delivered decision
	Channel string `yaml:"channel"`
	// TTL on Key (0 = no expiry)
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Key == "" {
		c.Key = "frontdoor:desired"
	}
	if c.Channel == "" {
		c.Channel = "frontdoor:decisions"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// client is the subset of go-redis used by the scaler
type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Scaler stores the latest decision under a key and publishes it
type Scaler struct {
	client  client
	config  Config
	logger  *slog.Logger
	closeFn func() error
}

// NewScaler connects to Redis
func NewScaler(config Config, logger *slog.Logger) *Scaler {
	config.setDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})
	s := newScaler(rdb, config, logger)
	s.closeFn = rdb.Close
	return s
}

func newScaler(c client, config Config, logger *slog.Logger) *Scaler {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scaler{
		client: c,
		config: config,
		logger: logger.With("component", "redis-scaler", "key", config.Key),
	}
}

// message is the wire form of a decision
type message struct {
	Desired   int       `json:"desired"`
	Previous  int       `json:"previous"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Scale writes the decision to the key, then publishes it
func (s *Scaler) Scale(ctx context.Context, d core.ScaleDecision) error {
	payload, err := json.Marshal(message{
		Desired:   d.Desired,
		Previous:  d.Previous,
		Reason:    d.Reason,
		Timestamp: d.Timestamp,
	})
	if err != nil {
		return errors.NewError(errors.ErrorTypeInternal, "failed to encode decision").WithCause(err)
	}

	if err := s.client.Set(ctx, s.config.Key, payload, s.config.TTL).Err(); err != nil {
		return unavailable("failed to store decision", err)
	}
	receivers, err := s.client.Publish(ctx, s.config.Channel, payload).Result()
	if err != nil {
		return unavailable("failed to publish decision", err)
	}

	s.logger.Info("Scale decision published",
		"desired", d.Desired,
		"channel", s.config.Channel,
		"receivers", receivers,
	)
	return nil
}

// Close releases the connection pool
func (s *Scaler) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func unavailable(msg string, err error) error {
	return errors.NewError(errors.ErrorTypeOrchestratorUnavailable, msg).WithCause(err)
}
