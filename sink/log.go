package sink

import (
	"context"

	"go.uber.org/zap"

	"daqlink/tag"
)

// Log writes every record to a logger. It is used when no broker is
// configured and for troubleshooting.
type Log struct {
	name string
	log  *zap.SugaredLogger
}

// NewLog creates a log backend.
func NewLog(name string, log *zap.SugaredLogger) *Log {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Log{name: name, log: log}
}

func (l *Log) Name() string                      { return "log/" + l.name }
func (l *Log) Connect(ctx context.Context) error { return nil }
func (l *Log) Close() error                      { return nil }

func (l *Log) PublishValue(ctx context.Context, v tag.Value) error {
	l.log.Infow("value",
		"equipment", v.Equipment,
		"tag_id", v.TagID,
		"tag", v.TagName,
		"kind", v.Kind,
		"value", v.Value,
		"quality", v.Quality.Code.String(),
		"source_timestamp", v.SourceTimestamp,
	)
	return nil
}

func (l *Log) PublishFiltered(ctx context.Context, fv tag.FilteredValue) error {
	l.log.Debugw("filtered",
		"equipment", fv.Equipment,
		"tag_id", fv.TagID,
		"tag", fv.TagName,
		"value", fv.Value,
		"filter_type", fv.FilterType,
		"dynamic", fv.DynamicFiltered,
	)
	return nil
}
