package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/dispatch"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/metrics"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
	"github.com/austindbirch/harbor_beacon/internal/wire"
)

type State int32

const (
	Idle State = iota
	Processing
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dispatcher sends one beacon. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req wire.Request) (int, error)
}

// Outcome is the result of one dispatch. The run loop always consumes it
// and never hands it back to anyone.
type Outcome struct {
	Request wire.Request
	Status  int
	Err     error
	Latency time.Duration
}

type Worker struct {
	dispatcher Dispatcher
	sink       delivery.Sink
	log        *logging.Logger
	heartbeat  time.Duration
	exitGrace  time.Duration
	observe    func(Outcome)
	onAccept   func(wire.Request)

	// Owned by Run
	queue   Queue
	pending int

	state atomic.Int32
}

type Option func(*Worker)

func WithSink(s delivery.Sink) Option {
	return func(w *Worker) { w.sink = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithHeartbeat sets the idle tick that refreshes queue gauges. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(w *Worker) { w.heartbeat = d }
}

// WithExitGrace keeps the worker alive for d after it drains, so a beacon
// sent right behind the last one still finds it running.
func WithExitGrace(d time.Duration) Option {
	return func(w *Worker) { w.exitGrace = d }
}

// WithObserver is called with every settled outcome, after logging and dead-lettering
func WithObserver(fn func(Outcome)) Option {
	return func(w *Worker) { w.observe = fn }
}

// WithOnAccept is called from the run loop for every beacon it queues.
// Once it has run the worker will not exit before settling that beacon.
func WithOnAccept(fn func(wire.Request)) Option {
	return func(w *Worker) { w.onAccept = fn }
}

func New(d Dispatcher, opts ...Option) *Worker {
	w := &Worker{
		dispatcher: d,
		sink:       delivery.NopSink{},
		log:        logging.Nop(),
		heartbeat:  time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run drains beacons from in, one at a time and in arrival order, until the
// worker has nothing left to do. It returns nil when a drain leaves no
// pending beacons, or when in is closed and everything received has been
// settled. It returns ctx.Err() if ctx is cancelled first.
func (w *Worker) Run(ctx context.Context, in <-chan wire.Request) error {
	defer w.setState(Terminated)
	w.setState(Idle)

	done := make(chan struct{}, 1)
	inflight := false

	var tick <-chan time.Time
	if w.heartbeat > 0 {
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	var grace *time.Timer
	var graceC <-chan time.Time
	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	defer stopGrace()

	next := func() {
		req, ok := w.queue.Pop()
		if !ok {
			return
		}
		inflight = true
		w.setState(Processing)
		go func() {
			w.deliver(ctx, req)
			done <- struct{}{}
		}()
	}

	for {
		metrics.SetQueueState(w.queue.Len(), w.pending)

		select {
		case req, ok := <-in:
			if !ok {
				in = nil
				w.log.Plain().WithField("pending", w.pending).Debug("ipc channel closed")
				if w.pending == 0 {
					return nil
				}
				continue
			}
			stopGrace()
			w.accept(req)
			if !inflight {
				next()
			}

		case <-done:
			inflight = false
			w.pending--
			if w.queue.Len() > 0 {
				next()
				continue
			}
			w.setState(Idle)
			if w.pending > 0 {
				continue
			}
			// Prefer a beacon that is already waiting over exiting
			if in != nil {
				select {
				case req, ok := <-in:
					if ok {
						w.accept(req)
						next()
						continue
					}
					in = nil
				default:
				}
			}
			if w.exitGrace <= 0 || in == nil {
				w.log.Plain().Debug("queue drained, exiting")
				return nil
			}
			grace = time.NewTimer(w.exitGrace)
			graceC = grace.C

		case <-graceC:
			grace, graceC = nil, nil
			if w.pending == 0 {
				w.log.Plain().Debug("exit grace elapsed, exiting")
				return nil
			}

		case <-tick:
			// Gauges are refreshed at the top of the loop

		case <-ctx.Done():
			w.log.Plain().WithFields(map[string]any{
				"pending":     w.pending,
				"queue_depth": w.queue.Len(),
			}).Warn("worker cancelled with beacons outstanding")
			return ctx.Err()
		}
	}
}

// accept appends an arriving beacon to the queue and counts it as pending
func (w *Worker) accept(req wire.Request) {
	w.queue.Push(req)
	w.pending++
	w.log.Plain().WithBeacon(req.ID).WithURL(req.URL).
		WithField("queue_depth", w.queue.Len()).Debug("beacon queued")
	if w.onAccept != nil {
		w.onAccept(req)
	}
}

// deliver dispatches one beacon and settles its outcome
func (w *Worker) deliver(ctx context.Context, req wire.Request) {
	ctx = tracing.ExtractTrace(ctx, req.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "beacon.deliver",
		attribute.String("beacon.id", req.ID),
	)
	defer span.End()

	start := time.Now()
	status, err := w.dispatcher.Dispatch(ctx, req)
	w.settle(ctx, Outcome{Request: req, Status: status, Err: err, Latency: time.Since(start)})
}

// settle records an outcome and then drops it. Failures are logged, counted
// and optionally dead-lettered, but never retried or returned.
func (w *Worker) settle(ctx context.Context, out Outcome) {
	entry := w.log.WithContext(ctx).WithBeacon(out.Request.ID).WithURL(out.Request.URL).
		WithField("latency_ms", out.Latency.Milliseconds())

	if out.Err == nil {
		metrics.RecordDispatch("success", out.Latency)
		entry.WithField("status", out.Status).Info("beacon delivered")
	} else {
		reason := dispatch.ClassifyReason(out.Err)
		metrics.RecordDispatch("failure", out.Latency)
		tracing.SetSpanError(ctx, out.Err)
		entry.WithError(out.Err).WithField("reason", reason).Warn("beacon dispatch failed")

		dl := delivery.NewDeadLetter(out.Request, out.Err.Error(), reason)
		if perr := w.sink.Publish(ctx, dl); perr != nil {
			w.log.WithContext(ctx).WithBeacon(out.Request.ID).WithError(perr).
				WithField("sink", w.sink.Name()).Error("dead letter publish failed")
		} else if _, nop := w.sink.(delivery.NopSink); !nop {
			metrics.RecordDeadLetter(w.sink.Name())
			tracing.AddSpanEvent(ctx, "beacon.dead_lettered", attribute.String("sink", w.sink.Name()))
		}
	}

	if w.observe != nil {
		w.observe(out)
	}
	// Nothing else consumes the outcome; delivery is fire-and-forget.
}
