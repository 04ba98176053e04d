package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"daqlink/tag"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(body)
}

func TestRecorderCounters(t *testing.T) {
	r := New()
	r.Forwarded("eq", tag.KindTag)
	r.Forwarded("eq", tag.KindTag)
	r.Forwarded("eq", tag.KindAlive)
	r.Filtered("eq", tag.FilterTimeDeadband)
	r.Invalidated("eq", tag.QualityOutOfBounds)
	r.Schedulers("eq", 3)
	r.SinkDropped("kafka/main")
	r.SinkError("kafka/main")
	r.SinkSent("mqtt/local")

	out := scrape(t, r)
	want := []string{
		`daqlink_values_forwarded_total{equipment="eq",kind="tag"} 2`,
		`daqlink_values_forwarded_total{equipment="eq",kind="alive"} 1`,
		`daqlink_values_filtered_total{equipment="eq",filter_type="TIME_DEADBAND"} 1`,
		`daqlink_values_invalidated_total{equipment="eq",quality="OUT_OF_BOUNDS"} 1`,
		`daqlink_time_deadband_schedulers{equipment="eq"} 3`,
		`daqlink_sink_dropped_total{sink="kafka/main"} 1`,
		`daqlink_sink_errors_total{sink="kafka/main"} 1`,
		`daqlink_sink_sent_total{sink="mqtt/local"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("metrics output missing %s", w)
		}
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Forwarded("eq", tag.KindTag)
	if strings.Contains(scrape(t, b), "daqlink_values_forwarded_total{") {
		t.Error("second recorder sees counters of the first")
	}
}
