package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordSessionEnd("hangup")
	m.RecordTurn()
	m.RecordTransfer("ok")
	m.RecordRecording("ok")
	m.RecordCleanup("ok")
	m.RecordEvaluation("completed", time.Second)
	m.RecordEscalation("ok")
	m.RecordWebSocketConnect()
	m.RecordWebSocketDisconnect()
	m.RecordHTTPRequest("/health", 200, time.Millisecond)
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New("test")
	m.RecordSessionStart()
	m.RecordTransfer("no_agent")
	m.RecordEvaluation("skipped_too_short", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"test_sessions_active 1",
		`test_transfers_total{result="no_agent"} 1`,
		`test_evaluations_total{status="skipped_too_short"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
