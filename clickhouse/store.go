// Package clickhouse stores filter records in a ClickHouse table for
// offline deadband and quality analysis.
package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"daqlink/tag"
)

// Config holds the connection and batching settings.
type Config struct {
	Address       string
	Database      string
	Username      string
	Password      string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

// Row is one filter record as stored in the table.
type Row struct {
	Timestamp   time.Time
	Equipment   string
	TagID       int64
	TagName     string
	Value       string
	Description string
	Quality     string
	FilterType  string
	Dynamic     bool
}

// Store batches filter records and writes them to ClickHouse.
type Store struct {
	config Config
	log    *zap.SugaredLogger

	mu      sync.Mutex
	conn    driver.Conn
	pending []Row

	stop chan struct{}
	done chan struct{}
}

// NewStore creates a store. Connect opens the connection.
func NewStore(cfg Config, log *zap.SugaredLogger) (*Store, error) {
	if !validIdentifier(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{config: cfg, log: log}, nil
}

// Name identifies the store in logs and metrics.
func (s *Store) Name() string { return "clickhouse/" + s.config.Table }

// Connect opens the connection, creates the table if needed and starts the
// periodic flush.
func (s *Store) Connect(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{s.config.Address},
		Auth: clickhouse.Auth{
			Database: s.config.Database,
			Username: s.config.Username,
			Password: s.config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(s.config.Table)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create table: %w", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.flushLoop(s.stop, s.done)

	s.log.Infof("connected to ClickHouse at %s, table %s.%s", s.config.Address, s.config.Database, s.config.Table)
	return nil
}

func (s *Store) flushLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.log.Warnf("periodic flush failed: %v", err)
			}
		}
	}
}

// PublishFiltered buffers fv and flushes once the batch is full.
func (s *Store) PublishFiltered(ctx context.Context, fv tag.FilteredValue) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("clickhouse not connected")
	}
	s.pending = append(s.pending, newRow(fv))
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered rows.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes all buffered rows in one batch. Rows of a failed batch are
// dropped.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	if conn == nil || len(rows) == 0 {
		return nil
	}

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+s.config.Table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Timestamp, r.Equipment, r.TagID, r.TagName, r.Value,
			r.Description, r.Quality, r.FilterType, r.Dynamic); err != nil {
			batch.Abort()
			return fmt.Errorf("append row of tag %d: %w", r.TagID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d rows: %w", len(rows), err)
	}
	s.log.Debugf("flushed %d filter records", len(rows))
	return nil
}

// Close flushes the buffer and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flushErr := s.Flush(ctx)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
	}
	return flushErr
}

func newRow(fv tag.FilteredValue) Row {
	r := Row{
		Timestamp:   fv.Timestamp,
		Equipment:   fv.Equipment,
		TagID:       fv.TagID,
		TagName:     fv.TagName,
		Description: fv.ValueDescription,
		FilterType:  string(fv.FilterType),
		Dynamic:     fv.DynamicFiltered,
	}
	if fv.Value != nil {
		r.Value = fmt.Sprint(fv.Value)
	}
	if fv.Quality != nil {
		r.Quality = fv.Quality.Code.String()
	}
	return r
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		timestamp         DateTime64(3),
		equipment         LowCardinality(String),
		tag_id            Int64,
		tag_name          String,
		value             String,
		value_description String,
		quality           LowCardinality(String),
		filter_type       LowCardinality(String),
		dynamic           Bool
	) ENGINE = MergeTree()
	ORDER BY (equipment, tag_id, timestamp)`
}

// validIdentifier accepts unquoted ClickHouse identifiers.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
