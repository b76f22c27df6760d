package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakePinger struct {
	name  string
	err   error
	delay time.Duration
}

func (f fakePinger) Name() string { return f.name }

func (f fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		deps        []Pinger
		wantOK      bool
		wantMessage string
		wantChecks  map[string]string
	}{
		{
			name:        "no dependencies",
			wantOK:      true,
			wantMessage: "ok",
		},
		{
			name:        "all healthy",
			deps:        []Pinger{fakePinger{name: "worker"}, fakePinger{name: "redis"}},
			wantOK:      true,
			wantMessage: "ok",
			wantChecks:  map[string]string{"worker": "ok", "redis": "ok"},
		},
		{
			name:        "sink down",
			deps:        []Pinger{fakePinger{name: "worker"}, fakePinger{name: "nsq", err: errors.New("dial tcp: connection refused")}},
			wantOK:      false,
			wantMessage: "nsq ping failed",
			wantChecks:  map[string]string{"worker": "ok", "nsq": "dial tcp: connection refused"},
		},
		{
			name:        "slow dependency times out",
			deps:        []Pinger{fakePinger{name: "redis", delay: time.Second}},
			wantOK:      false,
			wantMessage: "redis ping failed",
			wantChecks:  map[string]string{"redis": context.DeadlineExceeded.Error()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Check(context.Background(), 20*time.Millisecond, tt.deps...)
			if st.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", st.OK, tt.wantOK)
			}
			if st.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", st.Message, tt.wantMessage)
			}
			if len(st.Checks) != len(tt.wantChecks) {
				t.Fatalf("Checks = %v, want %v", st.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if st.Checks[k] != v {
					t.Errorf("Checks[%q] = %q, want %q", k, st.Checks[k], v)
				}
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		deps               []Pinger
		expectedStatusCode int
		expectedOK         bool
	}{
		{
			name:               "healthy with no dependencies",
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
		},
		{
			name:               "healthy dependency",
			deps:               []Pinger{fakePinger{name: "worker"}},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
		},
		{
			name:               "failing dependency",
			deps:               []Pinger{fakePinger{name: "redis", err: errors.New("NOAUTH")}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rr := httptest.NewRecorder()

			HTTPHandler(tt.deps...).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatusCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatusCode)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var st Status
			if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if st.OK != tt.expectedOK {
				t.Errorf("ok = %v, want %v", st.OK, tt.expectedOK)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(Status{OK: true})
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	if string(b) != `{"ok":true}` {
		t.Errorf("Status JSON = %s, want {\"ok\":true}", b)
	}
}
