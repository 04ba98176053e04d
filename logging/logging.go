// Package logging sets up the process-wide zap logger and hands out
// component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeLayout is the timestamp format used in log output.
const TimeLayout = "2006-01-02 15:04:05.000"

// Component names used with For.
const (
	ComponentEngine     = "engine"
	ComponentSender     = "sender"
	ComponentScheduler  = "scheduler"
	ComponentChecker    = "checker"
	ComponentActivator  = "activator"
	ComponentAlive      = "alive"
	ComponentMonitor    = "monitor"
	ComponentSink       = "sink"
	ComponentKafka      = "kafka"
	ComponentMQTT       = "mqtt"
	ComponentValkey     = "valkey"
	ComponentClickHouse = "clickhouse"
	ComponentAPI        = "api"
	ComponentConfig     = "config"
)

// Options configures Init.
type Options struct {
	Level  string // debug, info, warn, error
	File   string // append to this file instead of stderr
	JSON   bool
	Filter string // comma separated components allowed to log at debug level
}

var (
	mu      sync.Mutex
	base    = zap.NewNop()
	filters = &filterSet{}
	closer  io.Closer
)

// Init builds the base logger and installs it as the zap global logger.
// Calling Init again replaces the previous logger.
func Init(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(TimeLayout)
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	var fw *FileWriter
	if opts.File != "" {
		var err error
		fw, err = NewFileWriter(opts.File)
		if err != nil {
			return nil, err
		}
		out = fw
	}

	SetFilter(opts.Filter)
	core := &filterCore{Core: zapcore.NewCore(enc, out, level), filters: filters}
	logger := zap.New(core, zap.AddCaller())

	mu.Lock()
	prev := closer
	base = logger
	if fw != nil {
		closer = fw
	} else {
		closer = nil
	}
	mu.Unlock()

	zap.ReplaceGlobals(logger)
	if prev != nil {
		prev.Close()
	}
	return logger, nil
}

// Sync flushes the base logger and closes its log file.
func Sync() {
	mu.Lock()
	logger, c := base, closer
	closer = nil
	mu.Unlock()

	_ = logger.Sync()
	if c != nil {
		c.Close()
	}
}

// For returns a logger named after component.
func For(component string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return base.Named(component).Sugar()
}

// SetFilter restricts debug output to the given comma separated components.
// An empty filter lets every component log at debug level.
func SetFilter(filter string) {
	filters.set(filter)
}

type filterSet struct {
	mu    sync.RWMutex
	names map[string]bool
}

func (f *filterSet) set(filter string) {
	names := make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		names[p] = true
		// Scheduler logs belong to the sender pipeline.
		if p == ComponentSender {
			names[ComponentScheduler] = true
		}
	}
	f.mu.Lock()
	f.names = names
	f.mu.Unlock()
}

func (f *filterSet) allows(loggerName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.names) == 0 {
		return true
	}
	name := strings.ToLower(loggerName)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return f.names[name]
}

// filterCore drops debug entries from components outside the filter.
type filterCore struct {
	zapcore.Core
	filters *filterSet
}

func (c *filterCore) With(fields []zapcore.Field) zapcore.Core {
	return &filterCore{Core: c.Core.With(fields), filters: c.filters}
}

func (c *filterCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level == zapcore.DebugLevel && !c.filters.allows(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}
