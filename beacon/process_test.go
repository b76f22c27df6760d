//go:build unix

package beacon_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_beacon/beacon"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

// The test binary is its own worker, exactly as a real program would be
func TestMain(m *testing.M) {
	beacon.ServeIfWorker()
	os.Exit(m.Run())
}

type receiver struct {
	mu       sync.Mutex
	bodies   []string
	types    []string
	arrivals chan struct{}
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	t.Helper()
	rc := &receiver{arrivals: make(chan struct{}, 512)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, string(b))
		rc.types = append(rc.types, r.Header.Get("Content-Type"))
		rc.mu.Unlock()
		rc.arrivals <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return rc, srv
}

func (rc *receiver) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-rc.arrivals:
		case <-deadline:
			t.Fatalf("received %d of %d beacons", i, n)
		}
	}
}

func (rc *receiver) snapshot() ([]string, []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.bodies...), append([]string(nil), rc.types...)
}

// recordingSpawner wraps the real process spawner so the test can watch worker exits
type recordingSpawner struct {
	inner   beacon.Spawner
	mu      sync.Mutex
	handles []beacon.Handle
}

func (s *recordingSpawner) Spawn(ctx context.Context) (beacon.Handle, error) {
	h, err := s.inner.Spawn(ctx)
	if err == nil {
		s.mu.Lock()
		s.handles = append(s.handles, h)
		s.mu.Unlock()
	}
	return h, err
}

func (s *recordingSpawner) last() beacon.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

func (s *recordingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func TestDetachedWorkerEndToEnd(t *testing.T) {
	rc, srv := newReceiver(t)

	// A short grace keeps the worker up between the beacons of this burst
	sp := &recordingSpawner{inner: &beacon.ProcessSpawner{
		Path:         os.Args[0],
		Env:          []string{"BEACON_WORKER_EXIT_GRACE=300ms"},
		WriteTimeout: 5 * time.Second,
	}}
	s := beacon.New(config.Config{}, beacon.WithSpawner(sp), beacon.WithLogger(logging.Nop()))

	payloads := []beacon.Body{beacon.Text("a=b"), beacon.Text("hello"), nil}
	for i, p := range payloads {
		if !s.Send(context.Background(), srv.URL+fmt.Sprintf("/%d", i), p) {
			t.Fatalf("Send() #%d = false", i)
		}
	}
	if s.Send(context.Background(), srv.URL, beacon.Text(strings.Repeat("x", 70000))) {
		t.Error("Send() of 70000 bytes = true, want false")
	}

	rc.wait(t, 3)
	bodies, types := rc.snapshot()
	if fmt.Sprint(bodies) != fmt.Sprint([]string{"a=b", "hello", ""}) {
		t.Errorf("bodies = %q, want [a=b hello \"\"]", bodies)
	}
	if types[0] != "application/x-www-form-urlencoded;charset=UTF-8" || types[1] != "text/plain;charset=UTF-8" {
		t.Errorf("content types = %v", types)
	}

	// With nothing pending the worker exits on its own
	first := sp.last()
	select {
	case <-first.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not terminate after draining")
	}

	// The next beacon brings up a fresh worker
	if !s.Send(context.Background(), srv.URL+"/again", beacon.Text("again")) {
		t.Fatal("Send() after worker exit = false")
	}
	rc.wait(t, 1)
	if sp.count() != 2 {
		t.Errorf("spawned %d workers, want 2", sp.count())
	}
	bodies, _ = rc.snapshot()
	if bodies[len(bodies)-1] != "again" {
		t.Errorf("last body = %q, want again", bodies[len(bodies)-1])
	}
}

func TestDetachedWorkerDeliversEveryAcceptedBeacon(t *testing.T) {
	rc, srv := newReceiver(t)

	// No exit grace: workers exit whenever they drain, mid-burst included
	sp := &recordingSpawner{inner: &beacon.ProcessSpawner{
		Path:         os.Args[0],
		WriteTimeout: 5 * time.Second,
	}}
	s := beacon.New(config.Config{}, beacon.WithSpawner(sp), beacon.WithLogger(logging.Nop()))
	defer s.Close()

	const n = 200
	var accepted []string
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("b%03d", i)
		if s.Send(context.Background(), srv.URL, beacon.Text(body)) {
			accepted = append(accepted, body)
		}
		switch {
		case i%50 == 49:
			time.Sleep(50 * time.Millisecond)
		default:
			time.Sleep(time.Duration(i%5) * 400 * time.Microsecond)
		}
	}
	if len(accepted) != n {
		t.Errorf("accepted %d of %d beacons", len(accepted), n)
	}

	rc.wait(t, len(accepted))
	bodies, _ := rc.snapshot()
	if fmt.Sprint(bodies) != fmt.Sprint(accepted) {
		t.Errorf("received %d beacons, accepted %d, or out of order:\n got %v\nwant %v",
			len(bodies), len(accepted), bodies, accepted)
	}

	// Nothing beyond the accepted beacons may turn up later
	select {
	case <-rc.arrivals:
		t.Error("received a beacon twice")
	case <-time.After(200 * time.Millisecond):
	}
	t.Logf("burst used %d workers", sp.count())
}
