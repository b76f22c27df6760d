package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_beacon/internal/health"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

func newTestReceiver(delay time.Duration, failFirstN int64) *receiver {
	return &receiver{delay: delay, failFirstN: failFirstN, log: logging.Nop()}
}

func TestHandleEcho(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "post text",
			method:     http.MethodPost,
			body:       "hello",
			wantStatus: http.StatusOK,
			wantBody:   "Data received\n",
		},
		{
			name:       "post empty",
			method:     http.MethodPost,
			wantStatus: http.StatusOK,
			wantBody:   "Data received\n",
		},
		{
			name:       "get not allowed",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   "Method Not Allowed\n",
		},
		{
			name:       "put not allowed",
			method:     http.MethodPut,
			body:       "x",
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   "Method Not Allowed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newTestReceiver(0, 0)
			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			rc.routes().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleEchoMethodNotAllowedDoesNotCount(t *testing.T) {
	rc := newTestReceiver(0, 1)
	rr := httptest.NewRecorder()
	rc.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rc.reqCount.Load(); got != 0 {
		t.Errorf("reqCount = %d, want 0", got)
	}
}

func TestHandleEchoFailFirstN(t *testing.T) {
	rc := newTestReceiver(0, 2)
	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK, http.StatusOK}

	for i, code := range want {
		rr := httptest.NewRecorder()
		rc.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b")))
		if rr.Code != code {
			t.Errorf("request %d: status = %d, want %d", i+1, rr.Code, code)
		}
	}
}

func TestHandleEchoDelay(t *testing.T) {
	rc := newTestReceiver(100*time.Millisecond, 0)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Post(srv.URL, "text/plain;charset=UTF-8", strings.NewReader("slow"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("response after %v, want at least 100ms", elapsed)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	rc := newTestReceiver(time.Hour, 0)
	rr := httptest.NewRecorder()
	rc.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	var st health.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil || !st.OK {
		t.Errorf("health = %+v, err = %v", st, err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
