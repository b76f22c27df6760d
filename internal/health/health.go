package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability can be checked: the worker
// executable or a dead-letter sink.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Check pings every dependency, each bounded by timeout
func Check(ctx context.Context, timeout time.Duration, deps ...Pinger) Status {
	st := Status{OK: true, Message: "ok"}
	for _, d := range deps {
		if st.Checks == nil {
			st.Checks = make(map[string]string, len(deps))
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := d.Ping(pctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = d.Name() + " ping failed"
			st.Checks[d.Name()] = err.Error()
			continue
		}
		st.Checks[d.Name()] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of deps
func HTTPHandler(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), 1*time.Second, deps...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
