package beacon

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/payload"
	"github.com/austindbirch/harbor_beacon/internal/spawn"
	"github.com/austindbirch/harbor_beacon/internal/worker"
)

// Payload variants accepted by Send
type (
	Body     = payload.Body
	Text     = payload.Text
	Params   = payload.Params
	Blob     = payload.Blob
	View     = payload.View
	Buffer   = payload.Buffer
	FormData = payload.FormData
)

type (
	Spawner        = spawn.Spawner
	Handle         = spawn.Handle
	ProcessSpawner = spawn.ProcessSpawner
)

// MaxPayloadSize is the largest serialized body a beacon may carry, inclusive
const MaxPayloadSize = payload.MaxSize

var (
	ErrUnsupportedPayload = payload.ErrUnsupportedPayload
	ErrPayloadTooLarge    = payload.ErrPayloadTooLarge
	ErrSpawnFailure       = spawn.ErrSpawnFailure
)

// NewBlob concatenates parts into an immutable blob
func NewBlob(contentType string, parts ...[]byte) *Blob {
	return payload.NewBlob(contentType, parts...)
}

// From wraps an untyped value as a Body: nil, string, []byte, url.Values,
// *multipart.Form or an existing Body. Anything else is unsupported.
func From(v any) (Body, error) {
	return payload.From(v)
}

// MustRegisterMetrics adds the beacon counters to reg
func MustRegisterMetrics(reg prometheus.Registerer) {
	metrics.MustRegister(reg)
}

// ServeIfWorker turns the current process into a beacon worker when it was
// started as one, and exits when the worker is done. Call it first thing in
// main; in any other process it returns immediately.
func ServeIfWorker() {
	if !spawn.InWorker() {
		return
	}
	os.Exit(worker.ServeProcess(context.Background(), config.FromEnv()))
}
