package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Vectors only appear in Gather() once a child exists
	RecordAccepted()
	RecordRejected("too_large")
	RecordSpawn()
	RecordDispatch("success", 10*time.Millisecond)
	SetQueueState(1, 2)
	RecordDeadLetter("nsq")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	expected := []string{
		"harborbeacon_accepted_total",
		"harborbeacon_rejected_total",
		"harborbeacon_worker_spawns_total",
		"harborbeacon_dispatches_total",
		"harborbeacon_dispatch_latency_seconds",
		"harborbeacon_queue_depth",
		"harborbeacon_pending",
		"harborbeacon_dead_letters_total",
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("Expected metric %s not found in registry", name)
		}
	}
}

func TestRecordRejected(t *testing.T) {
	RejectedTotal.Reset()

	tests := []struct {
		reason string
		calls  int
	}{
		{reason: "invalid_url", calls: 1},
		{reason: "too_large", calls: 3},
		{reason: "unsupported_payload", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordRejected(tt.reason)
			}
			got := testutil.ToFloat64(RejectedTotal.WithLabelValues(tt.reason))
			if got != float64(tt.calls) {
				t.Errorf("RecordRejected(%q) counter = %f, want %d", tt.reason, got, tt.calls)
			}
		})
	}
}

func TestRecordAcceptedAndSpawn(t *testing.T) {
	acceptedBefore := testutil.ToFloat64(AcceptedTotal)
	spawnsBefore := testutil.ToFloat64(WorkerSpawnsTotal)

	RecordAccepted()
	RecordAccepted()
	RecordSpawn()

	if got := testutil.ToFloat64(AcceptedTotal) - acceptedBefore; got != 2 {
		t.Errorf("RecordAccepted() delta = %f, want 2", got)
	}
	if got := testutil.ToFloat64(WorkerSpawnsTotal) - spawnsBefore; got != 1 {
		t.Errorf("RecordSpawn() delta = %f, want 1", got)
	}
}

func TestRecordDispatch(t *testing.T) {
	DispatchesTotal.Reset()

	RecordDispatch("success", 50*time.Millisecond)
	RecordDispatch("success", 70*time.Millisecond)
	RecordDispatch("failure", 2*time.Second)

	if got := testutil.ToFloat64(DispatchesTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("success dispatches = %f, want 2", got)
	}
	if got := testutil.ToFloat64(DispatchesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure dispatches = %f, want 1", got)
	}

	if n := testutil.CollectAndCount(DispatchLatency); n != 1 {
		t.Errorf("latency histogram series = %d, want 1", n)
	}
}

func TestSetQueueState(t *testing.T) {
	tests := []struct {
		name    string
		depth   int
		pending int
	}{
		{name: "idle", depth: 0, pending: 0},
		{name: "processing", depth: 3, pending: 4},
		{name: "drained", depth: 0, pending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetQueueState(tt.depth, tt.pending)
			if got := testutil.ToFloat64(QueueDepth); got != float64(tt.depth) {
				t.Errorf("QueueDepth = %f, want %d", got, tt.depth)
			}
			if got := testutil.ToFloat64(Pending); got != float64(tt.pending) {
				t.Errorf("Pending = %f, want %d", got, tt.pending)
			}
		})
	}
}

func TestRecordDeadLetter(t *testing.T) {
	DeadLettersTotal.Reset()

	RecordDeadLetter("nsq")
	RecordDeadLetter("redis")
	RecordDeadLetter("redis")

	expected := `
# HELP harborbeacon_dead_letters_total Total number of failed beacons handed to a dead-letter sink.
# TYPE harborbeacon_dead_letters_total counter
harborbeacon_dead_letters_total{sink="nsq"} 1
harborbeacon_dead_letters_total{sink="redis"} 2
`
	if err := testutil.CollectAndCompare(DeadLettersTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected dead letter metrics: %v", err)
	}
}

func TestPush(t *testing.T) {
	var hits atomic.Int32
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case paths <- r.URL.Path:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "push_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	if err := Push(srv.URL, "harborbeacon_worker", "pid-42", reg); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("pushgateway hits = %d, want 1", hits.Load())
	}
	gotPath := <-paths
	if !strings.Contains(gotPath, "/metrics/job/harborbeacon_worker") || !strings.Contains(gotPath, "instance/pid-42") {
		t.Errorf("push path = %q, want job and instance grouping", gotPath)
	}
}

func TestPushUnreachable(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Push("http://127.0.0.1:1", "job", "", reg); err == nil {
		t.Error("Push() to unreachable gateway should fail")
	}
}
