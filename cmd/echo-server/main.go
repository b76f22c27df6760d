package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_beacon/internal/health"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

type receiver struct {
	delay      time.Duration
	failFirstN int64
	reqCount   atomic.Int64
	log        *logging.Logger
}

func main() {
	_ = godotenv.Load()

	rc := &receiver{
		delay: 5 * time.Second,
		log:   logging.New("echo-server"),
	}
	// Simulated slowness per request
	if v := os.Getenv("ECHO_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			rc.delay = d
		}
	}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rc.failFirstN = n
		}
	}
	addr := ":3000"
	if v := os.Getenv("ECHO_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{Addr: addr, Handler: rc.routes(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rc.delay+5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	rc.log.Plain().WithFields(map[string]any{"addr": addr, "delay": rc.delay.String(), "fail_first_n": rc.failFirstN}).Info("echo server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rc.log.Plain().WithError(err).Fatal("echo server failed")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler())
	mux.HandleFunc("/", rc.handleEcho)
	return mux
}

func (rc *receiver) handleEcho(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte("Method Not Allowed\n"))
		return
	}

	n := rc.reqCount.Add(1)

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := rc.log.Plain().WithURL(r.URL.Path).WithFields(map[string]any{
		"content_type":   r.Header.Get("Content-Type"),
		"content_length": r.ContentLength,
		"traceparent":    r.Header.Get("Traceparent"),
	})

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		entry.Warnf("FAILING (%d/%d) body=%s", n, rc.failFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Infof("received data: %s", truncate(string(b), 160))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Data received\n"))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
