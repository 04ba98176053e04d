// Package config handles configuration persistence for daqlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"daqlink/activator"
	"daqlink/tag"
)

// Environment variables that override the file.
const (
	EnvAliveFiltering = "DAQLINK_ALIVE_FILTERING"
	EnvNamespace      = "DAQLINK_NAMESPACE"
	EnvRESTPassword   = "DAQLINK_REST_PASSWORD_HASH"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace      string            `yaml:"namespace"`
	AliveFiltering bool              `yaml:"alive_filtering"`
	Log            LogConfig         `yaml:"log"`
	Activator      ActivatorConfig   `yaml:"activator"`
	Monitor        MonitorConfig     `yaml:"monitor,omitempty"`
	Queue          QueueConfig       `yaml:"queue,omitempty"`
	Equipment      []EquipmentConfig `yaml:"equipment"`
	Kafka          []KafkaConfig     `yaml:"kafka,omitempty"`
	MQTT           []MQTTConfig      `yaml:"mqtt,omitempty"`
	Valkey         []ValkeyConfig    `yaml:"valkey,omitempty"`
	ClickHouse     ClickHouseConfig  `yaml:"clickhouse,omitempty"`
	LogSink        bool              `yaml:"log_sink,omitempty"` // Also write values to the log
	REST           RESTConfig        `yaml:"rest"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file,omitempty"`
	Filter string `yaml:"filter,omitempty"` // Comma separated components allowed to log debug output
	JSON   bool   `yaml:"json,omitempty"`
}

// ActivatorConfig holds the dynamic deadband settings per priority.
type ActivatorConfig struct {
	Low    activator.Config `yaml:"low"`
	Medium activator.Config `yaml:"medium"`
}

// MonitorConfig configures the value-check monitor.
type MonitorConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window,omitempty"`
}

// QueueConfig sizes the sink delivery queues.
type QueueConfig struct {
	Workers int `yaml:"workers,omitempty"`
	Size    int `yaml:"size,omitempty"`
}

// SubEquipmentConfig describes a unit attached to an equipment.
type SubEquipmentConfig struct {
	Name           string        `yaml:"name"`
	ID             int64         `yaml:"id"`
	CommFaultTagID int64         `yaml:"commfault_tag_id,omitempty"`
	CommFaultValue bool          `yaml:"commfault_value"`
	AliveTagID     int64         `yaml:"alive_tag_id,omitempty"`
	AliveInterval  time.Duration `yaml:"alive_interval,omitempty"`
}

// EquipmentConfig describes one equipment and its tags.
type EquipmentConfig struct {
	Name                string               `yaml:"name"`
	ID                  int64                `yaml:"id"`
	CommFaultTagID      int64                `yaml:"commfault_tag_id,omitempty"`
	CommFaultValue      bool                 `yaml:"commfault_value"`
	AliveTagID          int64                `yaml:"alive_tag_id,omitempty"`
	AliveInterval       time.Duration        `yaml:"alive_interval,omitempty"`
	AliveTimer          bool                 `yaml:"alive_timer,omitempty"` // Generate alives locally
	DynamicTimeDeadband bool                 `yaml:"dynamic_time_deadband,omitempty"`
	SubEquipment        []SubEquipmentConfig `yaml:"sub_equipment,omitempty"`
	Tags                []tag.Config         `yaml:"tags"`
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Filtered      bool          `yaml:"filtered,omitempty"` // Also publish filter records to <topic>.filtered
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	RootTopic string `yaml:"root_topic"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	QoS       byte   `yaml:"qos,omitempty"`
	Retain    bool   `yaml:"retain,omitempty"`
}

// ValkeyConfig holds Valkey/Redis statistics store configuration.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port format
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // TTL for keys (0 = no expiry)
	Publish  bool          `yaml:"publish,omitempty"` // Publish filter records on a Pub/Sub channel
}

// ClickHouseConfig holds the filter statistics table configuration.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Table         string        `yaml:"table,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// RESTConfig holds REST API server configuration.
type RESTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"` // bcrypt
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Activator: ActivatorConfig{
			Low:    activator.DefaultLowConfig(),
			Medium: activator.DefaultMediumConfig(),
		},
		Monitor:   MonitorConfig{Window: time.Minute},
		Equipment: []EquipmentConfig{},
		Kafka:     []KafkaConfig{},
		MQTT:      []MQTTConfig{},
		Valkey:    []ValkeyConfig{},
		ClickHouse: ClickHouseConfig{
			Address:       "localhost:9000",
			Database:      "daqlink",
			Table:         "filtered_values",
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
		},
		REST: RESTConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default configuration file path (~/.daqlink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".daqlink", "config.yaml")
}

// LoadEnv loads a .env file into the process environment. Variables that
// are already set are kept. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvAliveFiltering); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAliveFiltering, err)
		}
		c.AliveFiltering = b
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv(EnvRESTPassword); v != "" {
		c.REST.PasswordHash = v
	}
	return nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindEquipment returns the equipment config with the given name, or nil.
func (c *Config) FindEquipment(name string) *EquipmentConfig {
	for i := range c.Equipment {
		if c.Equipment[i].Name == name {
			return &c.Equipment[i]
		}
	}
	return nil
}

// AddEquipment adds an equipment configuration.
func (c *Config) AddEquipment(eq EquipmentConfig) {
	c.Equipment = append(c.Equipment, eq)
}

// RemoveEquipment removes an equipment by name.
func (c *Config) RemoveEquipment(name string) bool {
	for i, eq := range c.Equipment {
		if eq.Name == name {
			c.Equipment = append(c.Equipment[:i], c.Equipment[i+1:]...)
			return true
		}
	}
	return false
}

// FindTag returns the tag with the given id, or nil.
func (e *EquipmentConfig) FindTag(id int64) *tag.Config {
	for i := range e.Tags {
		if e.Tags[i].ID == id {
			return &e.Tags[i]
		}
	}
	return nil
}

// PutTag adds the tag or replaces the one with the same id. It reports
// whether a tag was replaced.
func (e *EquipmentConfig) PutTag(tc tag.Config) bool {
	if existing := e.FindTag(tc.ID); existing != nil {
		*existing = tc
		return true
	}
	e.Tags = append(e.Tags, tc)
	return false
}

// RemoveTag removes a tag by id.
func (e *EquipmentConfig) RemoveTag(id int64) bool {
	for i, tc := range e.Tags {
		if tc.ID == id {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(k KafkaConfig) {
	c.Kafka = append(c.Kafka, k)
}

// RemoveKafka removes a Kafka configuration by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(m MQTTConfig) {
	c.MQTT = append(c.MQTT, m)
}

// RemoveMQTT removes an MQTT configuration by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(v ValkeyConfig) {
	c.Valkey = append(c.Valkey, v)
}

// RemoveValkey removes a Valkey configuration by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors. Tag data types are
// normalized in place.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}
	if err := validateActivator("low", c.Activator.Low); err != nil {
		return err
	}
	if err := validateActivator("medium", c.Activator.Medium); err != nil {
		return err
	}

	names := make(map[string]bool)
	for i := range c.Equipment {
		eq := &c.Equipment[i]
		if eq.Name == "" {
			return fmt.Errorf("equipment %d: name is required", i)
		}
		if names[eq.Name] {
			return fmt.Errorf("duplicate equipment name %q", eq.Name)
		}
		names[eq.Name] = true
		if err := eq.Validate(); err != nil {
			return err
		}
	}

	if err := uniqueNames("kafka", len(c.Kafka), func(i int) string { return c.Kafka[i].Name }); err != nil {
		return err
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %q: at least one broker is required", k.Name)
		}
	}
	if err := uniqueNames("mqtt", len(c.MQTT), func(i int) string { return c.MQTT[i].Name }); err != nil {
		return err
	}
	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("mqtt %q: broker is required", m.Name)
		}
	}
	if err := uniqueNames("valkey", len(c.Valkey), func(i int) string { return c.Valkey[i].Name }); err != nil {
		return err
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("valkey %q: address is required", v.Name)
		}
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Address == "" {
		return fmt.Errorf("clickhouse: address is required")
	}
	return nil
}

// Validate checks one equipment and normalizes its tags.
func (e *EquipmentConfig) Validate() error {
	if e.AliveTimer && e.AliveInterval <= 0 {
		return fmt.Errorf("equipment %q: alive timer requires a positive alive interval", e.Name)
	}
	ids := make(map[int64]bool)
	for i := range e.Tags {
		if err := e.Tags[i].Validate(); err != nil {
			return fmt.Errorf("equipment %q: %w", e.Name, err)
		}
		if ids[e.Tags[i].ID] {
			return fmt.Errorf("equipment %q: duplicate tag id %d", e.Name, e.Tags[i].ID)
		}
		ids[e.Tags[i].ID] = true
	}
	for _, sub := range e.SubEquipment {
		if sub.Name == "" {
			return fmt.Errorf("equipment %q: sub-equipment name is required", e.Name)
		}
	}
	return nil
}

func validateActivator(name string, a activator.Config) error {
	if a.ActivationThreshold < a.DeactivationThreshold {
		return fmt.Errorf("activator %s: activation threshold %v is below deactivation threshold %v",
			name, a.ActivationThreshold, a.DeactivationThreshold)
	}
	if a.DeadbandTime < 0 || a.CheckInterval < 0 {
		return fmt.Errorf("activator %s: durations must not be negative", name)
	}
	return nil
}

func uniqueNames(section string, n int, name func(int) string) error {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if name(i) == "" {
			return fmt.Errorf("%s %d: name is required", section, i)
		}
		if seen[name(i)] {
			return fmt.Errorf("duplicate %s name %q", section, name(i))
		}
		seen[name(i)] = true
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// BuildEquipment creates the runtime equipment with one tag per configured tag.
func (e *EquipmentConfig) BuildEquipment() *tag.Equipment {
	eq := tag.NewEquipment(e.ID, e.Name)
	eq.CommFaultTagID = e.CommFaultTagID
	eq.CommFaultValue = e.CommFaultValue
	eq.AliveTagID = e.AliveTagID
	eq.AliveInterval = e.AliveInterval
	eq.DynamicTimeDeadband = e.DynamicTimeDeadband
	for _, sub := range e.SubEquipment {
		eq.SubEquipment = append(eq.SubEquipment, tag.SubEquipment{
			ID:             sub.ID,
			Name:           sub.Name,
			CommFaultTagID: sub.CommFaultTagID,
			CommFaultValue: sub.CommFaultValue,
			AliveTagID:     sub.AliveTagID,
			AliveInterval:  sub.AliveInterval,
		})
	}
	for _, tc := range e.Tags {
		eq.PutTag(tag.New(tc, e.Name))
	}
	return eq
}
