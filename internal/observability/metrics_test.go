package observability

import (
	"testing"
	"time"

	"github.com/danmuck/excavctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("excavctl", "POST", "/excavation", 200, 12*time.Millisecond)
	RecordCycle(true, 14*time.Second)
	RecordStage("dig-1", "held")
	RecordConverge(300*time.Millisecond, false)
	RecordMisalignment(true)
	RecordTelemetryUpdate("feed")
}

func TestRecordStageCountsByLabel(t *testing.T) {
	testlog.Start(t)

	before := testutil.ToFloat64(stages.WithLabelValues("reset", "timed_out"))
	RecordStage("reset", "timed_out")
	RecordStage("reset", "timed_out")
	after := testutil.ToFloat64(stages.WithLabelValues("reset", "timed_out"))
	if after-before != 2 {
		t.Fatalf("unexpected stage counter delta: %v", after-before)
	}
}
