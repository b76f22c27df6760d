package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/wire"
)

const (
	// WorkerEnv is set to "1" in the environment of a spawned worker
	WorkerEnv = "HARBOR_BEACON_WORKER"

	// ChannelFD is the descriptor the worker reads beacons from.
	// ExtraFiles[0] always lands on fd 3.
	ChannelFD = 3

	// AckFD is the descriptor the worker writes one wire.Ack byte to for
	// every beacon it has queued
	AckFD = 4
)

var (
	ErrSpawnFailure = errors.New("spawn failure")
	ErrWorkerGone   = errors.New("worker has exited")
)

// Handle is the caller's end of one running worker
type Handle interface {
	// Send hands one beacon to the worker and waits until the worker has
	// queued it, not until it is delivered. An error wrapping ErrWorkerGone
	// means the worker exited without taking the beacon.
	Send(req wire.Request) error
	// Done is closed once the worker process has exited
	Done() <-chan struct{}
	Pid() int
	// Close ends the IPC stream; the worker drains what it has and exits
	Close() error
}

type Spawner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// InWorker reports whether this process was started as a beacon worker
func InWorker() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// ProcessSpawner starts workers as detached child processes
type ProcessSpawner struct {
	Path         string        // executable; empty re-executes the current binary
	Args         []string      // extra arguments for the worker
	Env          []string      // extra KEY=VALUE pairs on top of the caller's environment
	WriteTimeout time.Duration // bound on a single Send, 0 means none
	Log          *logging.Logger
}

// executable resolves the binary a worker is started from
func (s *ProcessSpawner) executable() (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	// A worker that re-executes itself would fork forever
	if InWorker() {
		return "", fmt.Errorf("%w: already running as a worker", ErrSpawnFailure)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: locate executable: %w", ErrSpawnFailure, err)
	}
	return exe, nil
}

func (s *ProcessSpawner) Name() string { return "worker" }

// Ping checks that a worker could be started without starting one
func (s *ProcessSpawner) Ping(_ context.Context) error {
	path, err := s.executable()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}
	return nil
}

func (s *ProcessSpawner) Spawn(_ context.Context) (Handle, error) {
	path, err := s.executable()
	if err != nil {
		return nil, err
	}

	attr, err := detachedAttr()
	if err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ipc pipe: %w", ErrSpawnFailure, err)
	}
	ackR, ackW, err := os.Pipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: ack pipe: %w", ErrSpawnFailure, err)
	}

	// Not CommandContext: the worker must outlive the caller's context.
	// Nil Stdin/Stdout/Stderr attach the null device.
	cmd := exec.Command(path, s.Args...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Env = append(cmd.Env, s.Env...)
	cmd.ExtraFiles = []*os.File{r, ackW}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		ackR.Close()
		ackW.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}
	// The child holds its own copies. Ours must go so that its exit reads as EOF.
	r.Close()
	ackW.Close()

	log := s.Log
	if log == nil {
		log = logging.Nop()
	}

	h := &processHandle{
		cmd:     cmd,
		w:       w,
		ack:     ackR,
		enc:     wire.NewEncoder(w),
		timeout: s.WriteTimeout,
		done:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		entry := log.Plain().WithField("pid", cmd.Process.Pid)
		if err != nil {
			entry.WithError(err).Warn("beacon worker exited")
		} else {
			entry.Debug("beacon worker exited")
		}
		close(h.done)
	}()

	log.Plain().WithField("pid", cmd.Process.Pid).WithField("path", path).Debug("beacon worker spawned")
	return h, nil
}

type processHandle struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	w       *os.File
	ack     *os.File
	ackBuf  [1]byte
	enc     *wire.Encoder
	timeout time.Duration
	done    chan struct{}
	closed  bool
}

func (h *processHandle) Send(req wire.Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrWorkerGone
	}
	select {
	case <-h.done:
		return ErrWorkerGone
	default:
	}

	if h.timeout > 0 {
		deadline := time.Now().Add(h.timeout)
		if err := h.w.SetWriteDeadline(deadline); err == nil {
			defer h.w.SetWriteDeadline(time.Time{})
		}
		if err := h.ack.SetReadDeadline(deadline); err == nil {
			defer h.ack.SetReadDeadline(time.Time{})
		}
	}
	// A worker that exited after the check above yields EPIPE here
	if err := h.enc.Encode(req); err != nil {
		return h.sendError(err)
	}
	// A worker that stops reading drops whatever is still in the pipe and
	// closes its ack end, so EOF here means this beacon was not taken
	if _, err := io.ReadFull(h.ack, h.ackBuf[:]); err != nil {
		return h.sendError(err)
	}
	if h.ackBuf[0] != wire.Ack {
		return fmt.Errorf("send to worker %d: unexpected ack byte %#x", h.cmd.Process.Pid, h.ackBuf[0])
	}
	return nil
}

func (h *processHandle) sendError(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: pid %d: %w", ErrWorkerGone, h.cmd.Process.Pid, err)
	}
	return fmt.Errorf("send to worker %d: %w", h.cmd.Process.Pid, err)
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

func (h *processHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.w.Close()
	if cerr := h.ack.Close(); err == nil {
		err = cerr
	}
	return err
}
