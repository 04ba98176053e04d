// Package valkey keeps filter statistics in Valkey/Redis.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"daqlink/namespace"
	"daqlink/tag"
)

// Config holds the settings of one Valkey server.
type Config struct {
	Name      string
	Address   string // host:port format
	Password  string
	Database  int
	UseTLS    bool
	KeyTTL    time.Duration // TTL for last filtered values (0 = no expiry)
	Publish   bool          // Publish filter records on a Pub/Sub channel
	Namespace string
}

// FilterMessage is the JSON document stored for the last filtered update of a tag.
type FilterMessage struct {
	Equipment   string      `json:"equipment"`
	TagID       int64       `json:"tag_id"`
	Tag         string      `json:"tag"`
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
	Quality     string      `json:"quality,omitempty"`
	FilterType  string      `json:"filter_type"`
	Dynamic     bool        `json:"dynamic"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Publisher stores filter records in a Valkey server.
type Publisher struct {
	config  Config
	names   *namespace.Builder
	log     *zap.SugaredLogger
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg Config, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{config: cfg, names: namespace.New(cfg.Namespace), log: log}
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return "valkey/" + p.config.Name
}

// Connect connects to the Valkey server.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	p.log.Debugf("connecting to Valkey at %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true

	p.log.Infof("connected to Valkey at %s", p.config.Address)
	return nil
}

// Close disconnects from the Valkey server.
func (p *Publisher) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// LastFilteredKey is the key holding the last filtered update of a tag.
func (p *Publisher) LastFilteredKey(equipment string, tagID int64) string {
	return p.names.ValkeyFilteredKey(equipment, tagID)
}

// StatsKey is the hash counting filtered updates of one equipment by filter type.
func (p *Publisher) StatsKey(equipment string) string {
	return p.names.ValkeyStatsKey(equipment)
}

// Channel is the Pub/Sub channel carrying filter records.
func (p *Publisher) Channel() string {
	return p.names.ValkeyFilteredChannel()
}

// PublishFiltered stores fv as the tag's last filtered update, increments the
// equipment counters and optionally publishes the record.
func (p *Publisher) PublishFiltered(ctx context.Context, fv tag.FilteredValue) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return fmt.Errorf("valkey %s not connected", p.config.Name)
	}
	client := p.client
	p.mu.RUnlock()

	data, err := json.Marshal(newFilterMessage(fv))
	if err != nil {
		return fmt.Errorf("failed to marshal filter record: %w", err)
	}

	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.LastFilteredKey(fv.Equipment, fv.TagID), data, p.config.KeyTTL)
		statsKey := p.StatsKey(fv.Equipment)
		pipe.HIncrBy(ctx, statsKey, statsField(fv), 1)
		if p.config.KeyTTL > 0 {
			pipe.Expire(ctx, statsKey, p.config.KeyTTL)
		}
		if p.config.Publish {
			pipe.Publish(ctx, p.Channel(), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store filter record: %w", err)
	}
	return nil
}

// statsField names the counter of one filter type. Dynamically filtered
// updates are counted separately.
func statsField(fv tag.FilteredValue) string {
	if fv.DynamicFiltered {
		return string(fv.FilterType) + ":dynamic"
	}
	return string(fv.FilterType)
}

func newFilterMessage(fv tag.FilteredValue) FilterMessage {
	msg := FilterMessage{
		Equipment:   fv.Equipment,
		TagID:       fv.TagID,
		Tag:         fv.TagName,
		Value:       fv.Value,
		Description: fv.ValueDescription,
		FilterType:  string(fv.FilterType),
		Dynamic:     fv.DynamicFiltered,
		Timestamp:   fv.Timestamp.UTC(),
	}
	if fv.Quality != nil {
		msg.Quality = fv.Quality.Code.String()
	}
	return msg
}
