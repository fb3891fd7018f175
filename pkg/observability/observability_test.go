package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func TestWorkerCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewWorkerCollector(reg)
	if err != nil {
		t.Fatalf("NewWorkerCollector: %v", err)
	}

	c.ObserveAction("modify_port", "DONE", 20*time.Millisecond)
	c.ObserveAction("modify_port", "DONE", 30*time.Millisecond)
	c.ObserveAction("revert_port", "ERROR", time.Second)
	c.ObserveDrain(4)
	c.ObserveSession("nexus", nil)
	c.ObserveSession("nexus", errors.New("refused"))

	if got := testutil.ToFloat64(c.Actions.WithLabelValues("modify_port", "DONE")); got != 2 {
		t.Errorf("metalnet_actions_total{modify_port,DONE} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Actions.WithLabelValues("revert_port", "ERROR")); got != 1 {
		t.Errorf("metalnet_actions_total{revert_port,ERROR} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.JournalPending); got != 4 {
		t.Errorf("metalnet_journal_pending = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.DrainPasses); got != 1 {
		t.Errorf("metalnet_drain_passes_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Sessions.WithLabelValues("nexus", "error")); got != 1 {
		t.Errorf("metalnet_switch_sessions_total{nexus,error} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.ActionDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestWorkerCollectorReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewWorkerCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewWorkerCollector(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	first.ObserveDrain(0)
	if got := testutil.ToFloat64(second.DrainPasses); got != 1 {
		t.Errorf("collectors not shared: %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *WorkerCollector
	c.ObserveAction("modify_port", "DONE", time.Second)
	c.ObserveDrain(1)
	c.ObserveSession("mock", nil)
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewWorkerCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	c.ObserveDrain(2)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"metalnet_journal_pending 2", "metalnet_drain_passes_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()
	defer func() {
		shutdown, _ := InitTracing(ctx, TracingConfig{})
		shutdown(ctx)
	}()

	var out bytes.Buffer
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "metalnet-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &out,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(ctx, "journal.apply")
	span.End()
	ShutdownWithTimeout(ctx, shutdown)

	if !strings.Contains(out.String(), "journal.apply") {
		t.Errorf("span not exported: %q", out.String())
	}

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Error("unknown exporter accepted")
	}
}
