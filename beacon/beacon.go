package beacon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/payload"
	"github.com/austindbirch/harbor_beacon/internal/spawn"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
	"github.com/austindbirch/harbor_beacon/internal/wire"
)

// ErrInvalidURL is returned for targets that are not absolute http or https URLs
var ErrInvalidURL = errors.New("invalid beacon url")

// Sender hands beacons to a single background worker process, starting one
// on first use and again whenever the previous one has exited.
type Sender struct {
	mu      sync.Mutex
	spawner Spawner
	handle  Handle
	log     *logging.Logger
}

type Option func(*Sender)

// WithSpawner replaces the process spawner, mainly for tests
func WithSpawner(s Spawner) Option {
	return func(b *Sender) { b.spawner = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(b *Sender) { b.log = l }
}

func New(cfg config.Config, opts ...Option) *Sender {
	s := &Sender{log: logging.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawner == nil {
		s.spawner = &spawn.ProcessSpawner{
			Path:         cfg.Worker.Path,
			WriteTimeout: cfg.Worker.WriteTimeout,
			Log:          s.log,
		}
	}
	return s
}

// Send queues body for a POST to rawURL and returns immediately. A true
// result means the beacon was accepted for a delivery attempt, not that it
// was delivered. Send never panics and never blocks on the network.
func (s *Sender) Send(ctx context.Context, rawURL string, body Body) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Plain().WithURL(rawURL).WithField("panic", fmt.Sprint(r)).Error("beacon send panicked")
			metrics.RecordRejected("panic")
			ok = false
		}
	}()

	if err := s.send(ctx, rawURL, body); err != nil {
		reason := rejectReason(err)
		metrics.RecordRejected(reason)
		s.log.WithContext(ctx).WithURL(rawURL).WithError(err).WithField("reason", reason).Debug("beacon rejected")
		return false
	}
	metrics.RecordAccepted()
	return true
}

func (s *Sender) send(ctx context.Context, rawURL string, body Body) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	if err := wire.CheckURL(rawURL); err != nil {
		return err
	}

	// Held through transmit so beacons reach the worker in acceptance order
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.ensureWorker(ctx)
	if err != nil {
		return err
	}

	data, err := payload.Serialize(body)
	if err != nil {
		return err
	}
	if _, err := payload.CheckSize(data); err != nil {
		return err
	}

	req := wire.NewRequest(rawURL, data)
	req.TraceHeaders = tracing.InjectTrace(ctx)

	err = h.Send(req)
	if err == nil {
		return nil
	}
	s.dropWorker(h)
	if !errors.Is(err, spawn.ErrWorkerGone) {
		return fmt.Errorf("transmit beacon: %w", err)
	}

	// The worker exited between our check and the write: start a fresh one and retry once
	s.log.Plain().WithBeacon(req.ID).WithField("pid", h.Pid()).WithError(err).Debug("worker gone, respawning")
	h, err = s.ensureWorker(ctx)
	if err != nil {
		return err
	}
	if err := h.Send(req); err != nil {
		s.dropWorker(h)
		return fmt.Errorf("transmit beacon: %w", err)
	}
	return nil
}

// dropWorker forgets h and closes our end of its stream, so a worker that is
// still running sees EOF and exits once it drains. Callers hold s.mu.
func (s *Sender) dropWorker(h Handle) {
	if err := h.Close(); err != nil {
		s.log.Plain().WithField("pid", h.Pid()).WithError(err).Debug("closing worker handle")
	}
	if s.handle == h {
		s.handle = nil
	}
}

// ensureWorker returns the live worker handle, spawning one if there is none
// or the last one has exited. Callers hold s.mu.
func (s *Sender) ensureWorker(ctx context.Context) (Handle, error) {
	if s.handle != nil {
		select {
		case <-s.handle.Done():
			s.dropWorker(s.handle)
		default:
			return s.handle, nil
		}
	}

	h, err := s.spawner.Spawn(ctx)
	if err != nil {
		if !errors.Is(err, spawn.ErrSpawnFailure) {
			err = fmt.Errorf("%w: %w", spawn.ErrSpawnFailure, err)
		}
		return nil, err
	}
	metrics.RecordSpawn()
	s.handle = h
	return h, nil
}

// Close ends the IPC stream to the current worker, if any. The worker still
// delivers everything it has already accepted.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, payload.ErrUnsupportedPayload):
		return "unsupported_payload"
	case errors.Is(err, payload.ErrPayloadTooLarge), errors.Is(err, wire.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, spawn.ErrSpawnFailure):
		return "spawn_failure"
	default:
		return "ipc"
	}
}

var (
	defaultOnce   sync.Once
	defaultSender *Sender
)

// Default returns the process-wide Sender configured from the environment
func Default() *Sender {
	defaultOnce.Do(func() {
		defaultSender = New(config.FromEnv())
	})
	return defaultSender
}

// SendBeacon queues a POST of body to rawURL using the process-wide Sender.
// body may be nil. It reports whether the beacon was accepted.
func SendBeacon(rawURL string, body Body) bool {
	return Default().Send(context.Background(), rawURL, body)
}

// SendBeaconContext is SendBeacon with a context whose trace is carried to the worker
func SendBeaconContext(ctx context.Context, rawURL string, body Body) bool {
	return Default().Send(ctx, rawURL, body)
}
