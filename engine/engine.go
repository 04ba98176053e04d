package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"daqlink/activator"
	"daqlink/alive"
	"daqlink/config"
	"daqlink/deadband"
	"daqlink/logging"
	"daqlink/metrics"
	"daqlink/monitor"
	"daqlink/sender"
	"daqlink/sink"
)

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Metrics    *metrics.Recorder
	Registry   *sink.Registry // nil means DefaultRegistry()
}

// equipmentRuntime is the running state of one configured equipment.
type equipmentRuntime struct {
	sender *sender.Sender
	low    *activator.Frequency
	medium *activator.Frequency
	alive  *alive.Timer
}

// Engine owns the equipment pipelines and the sinks they feed. The REST
// API and the command are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	log        *zap.SugaredLogger

	metrics  *metrics.Recorder
	registry *sink.Registry
	process  *sink.Queue
	filter   *sink.Queue
	monitor  *monitor.Monitor
	timer    *deadband.Timer

	mu          sync.RWMutex
	equipment   map[string]*equipmentRuntime
	started     bool
	cfgListener config.ConfigListenerID

	Events *EventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine. Call Start() to build the pipelines.
func New(c Config) *Engine {
	rec := c.Metrics
	if rec == nil {
		rec = metrics.New()
	}
	reg := c.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		log:        logging.For(logging.ComponentEngine),
		metrics:    rec,
		registry:   reg,
		equipment:  make(map[string]*equipmentRuntime),
		Events:     NewEventBus(),
	}
}

// Start builds sinks and equipment pipelines and connects the sinks in the
// background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	cfg := e.cfg
	cfg.Lock()
	defer cfg.Unlock()

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.process = sink.NewQueue("process",
		sink.WithWorkers(cfg.Queue.Workers),
		sink.WithQueueSize(cfg.Queue.Size),
		sink.WithLogger(logging.For(logging.ComponentSink)),
		sink.WithStats(e.metrics))
	e.filter = sink.NewQueue("filter",
		sink.WithWorkers(cfg.Queue.Workers),
		sink.WithQueueSize(cfg.Queue.Size),
		sink.WithLogger(logging.For(logging.ComponentSink)),
		sink.WithStats(e.metrics))

	backends, err := e.buildBackends(cfg)
	if err != nil {
		e.cancel()
		return err
	}
	for _, b := range backends {
		e.process.Add(b)
		e.filter.Add(b)
	}
	e.process.Start()
	e.filter.Start()

	for _, b := range backends {
		b := b
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.connect(b)
		}()
	}

	if cfg.Monitor.Enabled {
		e.monitor = monitor.New(cfg.Monitor.Window, logging.For(logging.ComponentMonitor))
		e.monitor.Start(e.ctx)
	}

	e.timer = deadband.NewTimer()

	for i := range cfg.Equipment {
		ec := &cfg.Equipment[i]
		rt, err := e.buildEquipment(cfg, ec)
		if err != nil {
			e.stopLocked()
			return err
		}
		e.equipment[ec.Name] = rt
		e.log.Infof("equipment %s started with %d tags", ec.Name, len(ec.Tags))
		e.emit(EventEquipmentStarted, EquipmentEvent{Name: ec.Name})
	}

	e.cfgListener = cfg.AddOnChangeListener(func() {
		e.log.Debugf("configuration saved to %s", e.configPath)
		e.emit(EventConfigSaved, nil)
	})

	e.started = true
	return nil
}

func (e *Engine) buildEquipment(cfg *config.Config, ec *config.EquipmentConfig) (*equipmentRuntime, error) {
	if err := ec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	actLog := logging.For(logging.ComponentActivator)
	rt := &equipmentRuntime{
		low:    activator.NewFrequency(ec.Name+"/low", cfg.Activator.Low, actLog),
		medium: activator.NewFrequency(ec.Name+"/medium", cfg.Activator.Medium, actLog),
	}

	opts := []sender.Option{
		sender.WithLogger(logging.For(logging.ComponentSender).With("equipment", ec.Name)),
		sender.WithAliveFiltering(cfg.AliveFiltering),
		sender.WithTimer(e.timer),
		sender.WithRecorder(e.metrics),
	}
	if e.monitor != nil {
		opts = append(opts, sender.WithMonitor(e.monitor))
	}
	rt.sender = sender.New(e.process, e.filter, rt.low, rt.medium, opts...)
	rt.sender.SetEquipmentConfiguration(ec.BuildEquipment())

	if e.monitor != nil {
		e.monitor.Register(ec.Name, rt.sender)
	}

	rt.low.Start(e.ctx)
	rt.medium.Start(e.ctx)

	if ec.AliveTimer && ec.AliveInterval > 0 {
		s := rt.sender
		rt.alive = alive.NewTimer(func() { s.SendSupervisionAlive(0) })
		rt.alive.SetInterval(ec.AliveInterval)
	}
	return rt, nil
}

func (rt *equipmentRuntime) stop() {
	if rt.alive != nil {
		rt.alive.Terminate()
	}
	rt.low.Stop()
	rt.medium.Stop()
	rt.sender.Close()
}

// Stop flushes pending time deadband values and shuts everything down.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.stopLocked()
	e.started = false
}

func (e *Engine) stopLocked() {
	if e.cfgListener != "" {
		e.cfg.RemoveOnChangeListener(e.cfgListener)
		e.cfgListener = ""
	}
	for name, rt := range e.equipment {
		if e.monitor != nil {
			e.monitor.Unregister(name)
		}
		rt.stop()
		delete(e.equipment, name)
		e.emit(EventEquipmentStopped, EquipmentEvent{Name: name})
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
	e.wg.Wait()

	e.process.Stop(3 * time.Second)
	e.filter.Stop(3 * time.Second)
	for _, b := range e.backends() {
		if err := b.Close(); err != nil {
			e.log.Warnf("closing %s: %v", b.Name(), err)
		}
	}
}

// backends returns every attached backend once.
func (e *Engine) backends() []sink.Backend {
	seen := make(map[string]bool)
	var result []sink.Backend
	for _, q := range []*sink.Queue{e.process, e.filter} {
		for _, b := range q.Backends() {
			if !seen[b.Name()] {
				seen[b.Name()] = true
				result = append(result, b)
			}
		}
	}
	return result
}

// SinkNames returns the names of all attached sinks.
func (e *Engine) SinkNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return nil
	}
	var names []string
	for _, b := range e.backends() {
		names = append(names, b.Name())
	}
	sort.Strings(names)
	return names
}

// EquipmentNames returns the running equipment in sorted order.
func (e *Engine) EquipmentNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.equipment))
	for name := range e.equipment {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sender returns the pipeline of the named equipment.
func (e *Engine) Sender(equipment string) (*sender.Sender, error) {
	rt, err := e.runtime(equipment)
	if err != nil {
		return nil, err
	}
	return rt.sender, nil
}

func (e *Engine) runtime(equipment string) (*equipmentRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.equipment[equipment]
	if !ok {
		return nil, fmt.Errorf("%w: equipment '%s'", ErrNotFound, equipment)
	}
	return rt, nil
}

func (e *Engine) GetConfig() *config.Config     { return e.cfg }
func (e *Engine) GetConfigPath() string         { return e.configPath }
func (e *Engine) GetMetrics() *metrics.Recorder { return e.metrics }
func (e *Engine) GetMonitor() *monitor.Monitor  { return e.monitor }
func (e *Engine) GetRegistry() *sink.Registry   { return e.registry }

// Dropped returns the number of records dropped by the process and filter queues.
func (e *Engine) Dropped() (process, filter int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.process == nil {
		return 0, 0
	}
	return e.process.Dropped(), e.filter.Dropped()
}

// saveConfig is a helper that saves and unlocks. The caller holds the
// config lock.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
