package activator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"daqlink/tag"
)

// Config tunes a Frequency activator. Thresholds are update counts per
// CheckInterval, averaged over the last Records intervals.
type Config struct {
	Records               int           `yaml:"records"`
	CheckInterval         time.Duration `yaml:"check_interval"`
	ActivationThreshold   float64       `yaml:"activation_threshold"`
	DeactivationThreshold float64       `yaml:"deactivation_threshold"`
	DeadbandTime          time.Duration `yaml:"deadband_time"`
}

// DefaultLowConfig returns the settings used for low priority tags.
func DefaultLowConfig() Config {
	return Config{
		Records:               5,
		CheckInterval:         time.Minute,
		ActivationThreshold:   20,
		DeactivationThreshold: 15,
		DeadbandTime:          30 * time.Second,
	}
}

// DefaultMediumConfig returns the settings used for medium priority tags.
func DefaultMediumConfig() Config {
	return Config{
		Records:               5,
		CheckInterval:         time.Minute,
		ActivationThreshold:   60,
		DeactivationThreshold: 45,
		DeadbandTime:          10 * time.Second,
	}
}

// movingAverage keeps the last n per-interval counts.
type movingAverage struct {
	counts []int
	next   int
	filled int
}

func newMovingAverage(n int) *movingAverage {
	if n < 1 {
		n = 1
	}
	return &movingAverage{counts: make([]int, n)}
}

func (m *movingAverage) record(count int) {
	m.counts[m.next] = count
	m.next = (m.next + 1) % len(m.counts)
	if m.filled < len(m.counts) {
		m.filled++
	}
}

func (m *movingAverage) average() float64 {
	if m.filled == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < m.filled; i++ {
		sum += m.counts[i]
	}
	return float64(sum) / float64(m.filled)
}

type tracked struct {
	tag     *tag.Tag
	counter int
	avg     *movingAverage
	active  bool
}

// Frequency switches a tag's dynamic time deadband on when its average
// update rate exceeds ActivationThreshold and off again once it drops below
// DeactivationThreshold.
type Frequency struct {
	name string
	cfg  Config
	log  *zap.SugaredLogger

	mu   sync.Mutex
	tags map[int64]*tracked

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFrequency creates a Frequency activator. name identifies it in logs.
func NewFrequency(name string, cfg Config, log *zap.SugaredLogger) *Frequency {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Records < 1 {
		cfg.Records = 1
	}
	return &Frequency{
		name: name,
		cfg:  cfg,
		log:  log,
		tags: make(map[int64]*tracked),
	}
}

// Start runs the periodic check until ctx is done or Stop is called.
func (f *Frequency) Start(ctx context.Context) {
	if f.cfg.CheckInterval <= 0 {
		f.log.Warnf("%s activator: check interval not set, dynamic deadband disabled", f.name)
		return
	}

	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Check()
			}
		}
	}()
}

// Stop ends the periodic check.
func (f *Frequency) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

func (f *Frequency) AddDataTag(t *tag.Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tags[t.ID()]; ok {
		return
	}
	f.tags[t.ID()] = &tracked{tag: t, avg: newMovingAverage(f.cfg.Records)}
}

func (f *Frequency) RemoveDataTag(t *tag.Tag) {
	f.mu.Lock()
	tr, ok := f.tags[t.ID()]
	delete(f.tags, t.ID())
	f.mu.Unlock()

	if ok && tr.active {
		tr.tag.SetTimeDeadband(0)
	}
}

func (f *Frequency) ClearDataTags() {
	f.mu.Lock()
	old := f.tags
	f.tags = make(map[int64]*tracked)
	f.mu.Unlock()

	for _, tr := range old {
		if tr.active {
			tr.tag.SetTimeDeadband(0)
		}
	}
}

func (f *Frequency) NewTagValueSent(tagID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tr, ok := f.tags[tagID]; ok {
		tr.counter++
	}
}

// IsTracked reports whether the tag is registered with this activator.
func (f *Frequency) IsTracked(tagID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tags[tagID]
	return ok
}

// Len returns the number of tracked tags.
func (f *Frequency) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tags)
}

// Check closes the current interval: counters are folded into the moving
// averages and dynamic deadbands are switched accordingly.
func (f *Frequency) Check() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, tr := range f.tags {
		tr.avg.record(tr.counter)
		tr.counter = 0
		avg := tr.avg.average()

		switch {
		case !tr.active && avg > f.cfg.ActivationThreshold:
			tr.active = true
			tr.tag.SetTimeDeadband(f.cfg.DeadbandTime)
			f.log.Infof("%s activator: time deadband %v activated for tag %d (avg %.1f updates)",
				f.name, f.cfg.DeadbandTime, id, avg)
		case tr.active && avg < f.cfg.DeactivationThreshold:
			tr.active = false
			tr.tag.SetTimeDeadband(0)
			f.log.Infof("%s activator: time deadband deactivated for tag %d (avg %.1f updates)",
				f.name, id, avg)
		}
	}
}
