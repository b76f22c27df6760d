package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/dispatch"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/spawn"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
	"github.com/austindbirch/harbor_beacon/internal/wire"
)

// OpenChannel returns the IPC pipes the spawner passed as inherited
// descriptors: frames to read and acks to write
func OpenChannel() (frames, acks *os.File, err error) {
	frames, err = openInherited(spawn.ChannelFD, "beacon-ipc")
	if err != nil {
		return nil, nil, err
	}
	acks, err = openInherited(spawn.AckFD, "beacon-ack")
	if err != nil {
		frames.Close()
		return nil, nil, err
	}
	return frames, acks, nil
}

func openInherited(fd uintptr, name string) (*os.File, error) {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil, fmt.Errorf("ipc descriptor %d is not valid", fd)
	}
	if _, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("ipc descriptor %d: %w", fd, err)
	}
	return f, nil
}

// Pump decodes frames from r onto the returned channel until r ends, a frame
// is corrupt, or ctx is cancelled. The channel is closed when it stops.
func Pump(ctx context.Context, r io.Reader, log *logging.Logger) <-chan wire.Request {
	if log == nil {
		log = logging.Nop()
	}
	out := make(chan wire.Request)
	go func() {
		defer close(out)
		dec := wire.NewDecoder(r)
		for {
			req, err := dec.Decode()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					// A bad frame leaves no way to find the next boundary
					log.Plain().WithError(err).Error("ipc stream corrupt, no longer reading")
				}
				return
			}
			select {
			case out <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ServeProcess runs a worker process: it reads beacons from the inherited
// IPC descriptor and returns the exit code once the worker is done.
func ServeProcess(ctx context.Context, cfg config.Config) int {
	frames, acks, err := OpenChannel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "beacon worker: %v\n", err)
		return 1
	}
	defer frames.Close()
	defer acks.Close()
	return Serve(ctx, cfg, frames, acks)
}

// Serve runs a worker fed from r with the ambient stack configured from cfg.
// Every queued beacon is acknowledged with one wire.Ack byte on ack, which
// may be nil. When the worker is done, r and ack are closed if they are
// io.Closers, before metrics are pushed.
func Serve(ctx context.Context, cfg config.Config, r io.Reader, ack io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOut := io.Discard
	if cfg.Worker.LogFile != "" {
		f, err := os.OpenFile(cfg.Worker.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			defer f.Close()
			logOut = f
		}
	}
	logging.SetDefaultOutput(logOut, cfg.LogLevel)
	logging.SetDefaultService(cfg.AppName + "-worker")
	logger := logging.Default()

	if cfg.TracingEnabled() {
		shutdown, err := tracing.InitTracing(ctx, cfg.AppName+"-worker", cfg.Tracing.Endpoint)
		if err != nil {
			logger.Plain().WithError(err).Warn("tracing disabled")
		} else {
			defer shutdown()
		}
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	sink, err := delivery.NewSink(cfg.DeadLetter, logger)
	if err != nil {
		logger.Plain().WithError(err).Warn("dead letter sink unavailable")
		sink = delivery.NopSink{}
	}
	defer sink.Close()

	logger.Plain().WithFields(map[string]any{
		"pid":         os.Getpid(),
		"dead_letter": sink.Name(),
		"exit_grace":  cfg.Worker.ExitGrace.String(),
	}).Info("beacon worker started")

	opts := []Option{
		WithSink(sink),
		WithLogger(logger),
		WithHeartbeat(cfg.Worker.Heartbeat),
		WithExitGrace(cfg.Worker.ExitGrace),
	}
	if ack != nil {
		opts = append(opts, WithOnAccept(func(req wire.Request) {
			if _, err := ack.Write([]byte{wire.Ack}); err != nil {
				logger.Plain().WithBeacon(req.ID).WithError(err).Debug("ack not delivered")
			}
		}))
	}
	w := New(dispatch.New(cfg.HTTP), opts...)
	runErr := w.Run(ctx, Pump(ctx, r, logger))

	// Frames still buffered were never acknowledged; closing turns them into
	// EOF on the caller's ack read and it resends them to a fresh worker
	closeIfCloser(r)
	closeIfCloser(ack)

	if cfg.Metrics.PushgatewayURL != "" {
		if err := metrics.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.JobName, strconv.Itoa(os.Getpid()), reg); err != nil {
			logger.Plain().WithError(err).Warn("metrics push failed")
		}
	}

	if runErr != nil {
		logger.Plain().WithError(runErr).Warn("beacon worker stopped early")
		return 1
	}
	logger.Plain().Info("beacon worker exiting")
	return 0
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}
