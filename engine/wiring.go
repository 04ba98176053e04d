package engine

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"daqlink/clickhouse"
	"daqlink/config"
	"daqlink/kafka"
	"daqlink/logging"
	"daqlink/mqtt"
	"daqlink/sink"
	"daqlink/valkey"
)

// Sink types known to DefaultRegistry.
const (
	SinkKafka      = "kafka"
	SinkMQTT       = "mqtt"
	SinkValkey     = "valkey"
	SinkClickHouse = "clickhouse"
	SinkLog        = "log"
)

// Connect retry settings.
const (
	connectMaxRetries      = 10
	connectInitialInterval = 500 * time.Millisecond
	connectMaxInterval     = 30 * time.Second
)

// DefaultRegistry returns a registry with every built-in sink type. Spec.Config
// carries the runtime config of the sink package.
func DefaultRegistry() *sink.Registry {
	r := sink.NewRegistry()
	r.Register(SinkKafka, func(spec sink.Spec) (sink.Backend, error) {
		cfg, ok := spec.Config.(kafka.Config)
		if !ok {
			return nil, fmt.Errorf("%w: expected kafka.Config, got %T", ErrInvalidInput, spec.Config)
		}
		return kafka.NewSink(cfg, logging.For(logging.ComponentKafka)), nil
	})
	r.Register(SinkMQTT, func(spec sink.Spec) (sink.Backend, error) {
		cfg, ok := spec.Config.(mqtt.Config)
		if !ok {
			return nil, fmt.Errorf("%w: expected mqtt.Config, got %T", ErrInvalidInput, spec.Config)
		}
		return mqtt.NewPublisher(cfg, logging.For(logging.ComponentMQTT)), nil
	})
	r.Register(SinkValkey, func(spec sink.Spec) (sink.Backend, error) {
		cfg, ok := spec.Config.(valkey.Config)
		if !ok {
			return nil, fmt.Errorf("%w: expected valkey.Config, got %T", ErrInvalidInput, spec.Config)
		}
		return valkey.NewPublisher(cfg, logging.For(logging.ComponentValkey)), nil
	})
	r.Register(SinkClickHouse, func(spec sink.Spec) (sink.Backend, error) {
		cfg, ok := spec.Config.(clickhouse.Config)
		if !ok {
			return nil, fmt.Errorf("%w: expected clickhouse.Config, got %T", ErrInvalidInput, spec.Config)
		}
		return clickhouse.NewStore(cfg, logging.For(logging.ComponentClickHouse))
	})
	r.Register(SinkLog, func(spec sink.Spec) (sink.Backend, error) {
		return sink.NewLog(spec.Name, logging.For(logging.ComponentSink)), nil
	})
	return r
}

// SinkSpecs lists the enabled sinks of cfg.
func SinkSpecs(cfg *config.Config) ([]sink.Spec, error) {
	var specs []sink.Spec

	for _, kc := range cfg.Kafka {
		if !kc.Enabled {
			continue
		}
		rc, err := buildKafkaRuntimeConfig(&kc)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sink.Spec{Type: SinkKafka, Name: kc.Name, Config: rc})
	}
	for _, mc := range cfg.MQTT {
		if !mc.Enabled {
			continue
		}
		specs = append(specs, sink.Spec{Type: SinkMQTT, Name: mc.Name, Config: mqtt.Config{
			Name:      mc.Name,
			Broker:    mc.Broker,
			Port:      mc.Port,
			Username:  mc.Username,
			Password:  mc.Password,
			ClientID:  mc.ClientID,
			RootTopic: mc.RootTopic,
			Namespace: cfg.Namespace,
			UseTLS:    mc.UseTLS,
			QoS:       mc.QoS,
			Retain:    mc.Retain,
		}})
	}
	for _, vc := range cfg.Valkey {
		if !vc.Enabled {
			continue
		}
		specs = append(specs, sink.Spec{Type: SinkValkey, Name: vc.Name, Config: valkey.Config{
			Name:      vc.Name,
			Address:   vc.Address,
			Password:  vc.Password,
			Database:  vc.Database,
			UseTLS:    vc.UseTLS,
			KeyTTL:    vc.KeyTTL,
			Publish:   vc.Publish,
			Namespace: cfg.Namespace,
		}})
	}
	if ch := cfg.ClickHouse; ch.Enabled {
		specs = append(specs, sink.Spec{Type: SinkClickHouse, Name: ch.Table, Config: clickhouse.Config{
			Address:       ch.Address,
			Database:      ch.Database,
			Username:      ch.Username,
			Password:      ch.Password,
			Table:         ch.Table,
			BatchSize:     ch.BatchSize,
			FlushInterval: ch.FlushInterval,
		}})
	}
	if cfg.LogSink || len(specs) == 0 {
		specs = append(specs, sink.Spec{Type: SinkLog, Name: "default"})
	}
	return specs, nil
}

func buildKafkaRuntimeConfig(kc *config.KafkaConfig) (kafka.Config, error) {
	mechanism, err := kafka.ParseSASLMechanism(kc.SASLMechanism)
	if err != nil {
		return kafka.Config{}, fmt.Errorf("%w: kafka %q: %v", ErrInvalidInput, kc.Name, err)
	}
	rc := kafka.DefaultConfig(kc.Name)
	rc.Brokers = kc.Brokers
	rc.UseTLS = kc.UseTLS
	rc.TLSSkipVerify = kc.TLSSkipVerify
	rc.SASLMechanism = mechanism
	rc.Username = kc.Username
	rc.Password = kc.Password
	if kc.RequiredAcks != 0 {
		rc.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries > 0 {
		rc.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff > 0 {
		rc.RetryBackoff = kc.RetryBackoff
	}
	if kc.Topic != "" {
		rc.Topic = kc.Topic
	}
	rc.Filtered = kc.Filtered
	return rc, nil
}

func (e *Engine) buildBackends(cfg *config.Config) ([]sink.Backend, error) {
	return BuildBackends(e.registry, cfg)
}

// BuildBackends creates the backends of every enabled sink of cfg. The
// backends are not connected.
func BuildBackends(registry *sink.Registry, cfg *config.Config) ([]sink.Backend, error) {
	specs, err := SinkSpecs(cfg)
	if err != nil {
		return nil, err
	}
	backends := make([]sink.Backend, 0, len(specs))
	for _, spec := range specs {
		b, err := registry.Build(spec)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// connect connects b with exponential backoff until it succeeds, the retries
// run out or the engine stops.
func (e *Engine) connect(b sink.Backend) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = connectInitialInterval
	eb.MaxInterval = connectMaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, connectMaxRetries), e.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := b.Connect(e.ctx); err != nil {
			e.log.Debugf("%s: connect attempt %d failed: %v", b.Name(), attempt, err)
			return err
		}
		return nil
	}, policy)

	if err != nil {
		if e.ctx.Err() == nil {
			e.log.Errorf("%s: giving up after %d attempts: %v", b.Name(), attempt, err)
			e.emit(EventSinkFailed, SinkEvent{Name: b.Name(), Error: err.Error()})
		}
		return
	}
	e.log.Infof("%s connected", b.Name())
	e.emit(EventSinkConnected, SinkEvent{Name: b.Name()})
}
