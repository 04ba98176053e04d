// Package mqtt publishes tag values to MQTT brokers.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"daqlink/namespace"
	"daqlink/tag"
)

// Config holds the settings of one broker connection.
type Config struct {
	Name      string
	Broker    string
	Port      int
	Username  string
	Password  string
	ClientID  string
	RootTopic string
	Namespace string
	UseTLS    bool
	QoS       byte
	Retain    bool
}

// TagMessage is the JSON structure published to MQTT.
type TagMessage struct {
	Equipment   string      `json:"equipment"`
	TagID       int64       `json:"tag_id"`
	Tag         string      `json:"tag"`
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
	Quality     string      `json:"quality"`
	QualityText string      `json:"quality_text,omitempty"`
	Kind        tag.Kind    `json:"kind"`
	Timestamp   string      `json:"timestamp"`
}

// Publisher handles the MQTT connection to a single broker.
type Publisher struct {
	config  Config
	names   *namespace.Builder
	log     *zap.SugaredLogger
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg Config, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "daqlink-" + cfg.Name
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &Publisher{config: cfg, names: namespace.New(cfg.Namespace), log: log}
}

// Name identifies the publisher in logs and metrics.
func (p *Publisher) Name() string {
	return "mqtt/" + p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Connect connects to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warnf("connection to %s lost: %v", p.Address(), err)
	})

	client := pahomqtt.NewClient(opts)
	p.log.Debugf("connecting to MQTT broker %s", p.Address())

	if err := wait(ctx, client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.log.Infof("connected to MQTT broker %s", p.Address())
	return nil
}

// Close disconnects from the MQTT broker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	// Disconnect OUTSIDE the lock to prevent blocking
	if client != nil {
		client.Disconnect(500)
	}
	return nil
}

// BuildTopic constructs the topic of one tag.
func (p *Publisher) BuildTopic(equipment string, tagID int64) string {
	return p.names.MQTTTagTopic(p.config.RootTopic, equipment, tagID)
}

// PublishValue publishes v to its tag topic.
func (p *Publisher) PublishValue(ctx context.Context, v tag.Value) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("mqtt %s not connected", p.config.Name)
	}

	payload, err := json.Marshal(newTagMessage(v))
	if err != nil {
		return fmt.Errorf("encode value of tag %d: %w", v.TagID, err)
	}

	topic := p.BuildTopic(v.Equipment, v.TagID)
	if err := wait(ctx, client.Publish(topic, p.config.QoS, p.config.Retain, payload), 2*time.Second); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() Config {
	return p.config
}

func newTagMessage(v tag.Value) TagMessage {
	ts := v.SourceTimestamp
	if ts.IsZero() {
		ts = v.DAQTimestamp
	}
	return TagMessage{
		Equipment:   v.Equipment,
		TagID:       v.TagID,
		Tag:         v.TagName,
		Value:       v.Value,
		Description: v.ValueDescription,
		Quality:     v.Quality.Code.String(),
		QualityText: v.Quality.Description,
		Kind:        v.Kind,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}
}

// wait blocks until the token completes, the context ends or the timeout
// passes.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	}
}
