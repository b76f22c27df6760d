package delivery

import (
	"time"

	"github.com/austindbirch/harbor_beacon/internal/wire"
)

const DLQType = "beacon.dead_letter"

type DeadLetter struct {
	Type      string       `json:"type"`    // "beacon.dead_letter"
	Version   string       `json:"version"` // schema version
	At        string       `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason    string       `json:"reason"`  // classified failure, e.g. timeout, connection_refused
	LastError string       `json:"last_error,omitempty"`
	Request   wire.Request `json:"request"` // full beacon snapshot
}

func NewDeadLetter(req wire.Request, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		LastError: lastErr,
		Request:   req,
	}
}
