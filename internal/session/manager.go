package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/pool"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives the output of one session. All calls for a session come from
// one goroutine, in generation order, and Complete is called exactly once.
type Sink interface {
	Chunk(seq uint32, audio []byte) error
	Event(ev protocol.Event) error
	Complete(c protocol.Completion) error
}

type Resolver interface {
	Resolve(token string) (voice.Record, error)
}

type Families interface {
	Lookup(module string) (backend.Family, error)
}

type Pool interface {
	Acquire(ctx context.Context, rec voice.Record) (*pool.Handle, error)
	Release(h *pool.Handle)
	Discard(h *pool.Handle)
}

// Observer is notified around every session run.
type Observer interface {
	SessionStarted(s *Session)
	SessionFinished(s *Session, out Outcome)
}

// Outcome is the terminal result of a session.
type Outcome struct {
	Status   protocol.Status
	Code     errcode.Code
	Message  string
	Chunks   int
	Bytes    int64
	Events   int
	Duration time.Duration
}

func (o Outcome) Completion() protocol.Completion {
	c := protocol.Completion{Status: o.Status, Code: o.Code, Message: o.Message}
	if o.Status == protocol.StatusCompleted || o.Status == protocol.StatusCancelled {
		result, _ := json.Marshal(protocol.SynthesisResult{
			Chunks:     o.Chunks,
			Bytes:      o.Bytes,
			Events:     o.Events,
			DurationMS: o.Duration.Milliseconds(),
		})
		c.Result = result
	}
	return c
}

type Manager struct {
	voices   Resolver
	families Families
	pool     Pool
	opts     Options
	log      *slog.Logger
	observer Observer

	tracer     trace.Tracer
	completed  metric.Int64Counter
	firstChunk metric.Float64Histogram
}

func NewManager(voices Resolver, families Families, p Pool, opts Options, log *slog.Logger) *Manager {
	m := &Manager{
		voices:   voices,
		families: families,
		pool:     p,
		opts:     opts,
		log:      log.With(slog.String("component", "session-manager")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-bridge/session"),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/session")
	var err error
	m.completed, err = meter.Int64Counter("bridge.sessions", metric.WithDescription("Finished sessions by status and code"))
	if err != nil {
		return err
	}
	m.firstChunk, err = meter.Float64Histogram("bridge.session.first_chunk", metric.WithDescription("Latency until the first audio chunk"), metric.WithUnit("ms"))
	return err
}

// Run drives s to a terminal state, writing its output to sink. ctx
// cancellation (connection loss) is treated like a client cancel.
func (m *Manager) Run(ctx context.Context, s *Session, sink Sink) Outcome {
	ctx, span := m.tracer.Start(ctx, "session.synthesize", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int64("session.wire_id", int64(s.WireID)),
		attribute.String("voice.token", s.Voice),
		attribute.String("audio.format", s.Format.String()),
	))
	defer span.End()

	if m.observer != nil {
		m.observer.SessionStarted(s)
	}

	out := m.run(ctx, s, sink)
	out.Duration = time.Since(s.Created)

	switch out.Status {
	case protocol.StatusCompleted:
		s.setState(StateCompleted)
	case protocol.StatusCancelled:
		s.setState(StateCancelled)
	default:
		s.setState(StateFailed)
		span.SetStatus(codes.Error, out.Message)
	}
	span.SetAttributes(attribute.String("session.status", string(out.Status)), attribute.Int("session.chunks", out.Chunks))

	if err := sink.Complete(out.Completion()); err != nil {
		m.log.Debug("completion not delivered", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
	if m.completed != nil {
		m.completed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(out.Status)),
			attribute.String("code", string(out.Code))))
	}

	logger := m.log.With(
		slog.String("session_id", s.ID),
		slog.Uint64("wire_id", s.WireID),
		slog.String("voice", s.Voice),
		slog.String("status", string(out.Status)),
		slog.Int("chunks", out.Chunks),
		slog.Duration("duration", out.Duration))
	if out.Status == protocol.StatusFailed {
		logger.Warn("session failed", slog.String("code", string(out.Code)), slog.String("message", out.Message))
	} else {
		logger.Info("session finished")
	}

	if m.observer != nil {
		m.observer.SessionFinished(s, out)
	}
	return out
}

func failed(err error) Outcome {
	return Outcome{Status: protocol.StatusFailed, Code: errcode.Of(err), Message: errcode.Message(err)}
}

func cancelled() Outcome {
	return Outcome{Status: protocol.StatusCancelled}
}

func (m *Manager) run(ctx context.Context, s *Session, sink Sink) Outcome {
	if s.Cancelled() {
		return cancelled()
	}
	rec, err := m.voices.Resolve(s.Voice)
	if err != nil {
		return failed(err)
	}
	family, err := m.families.Lookup(rec.Module)
	if err != nil {
		return failed(err)
	}
	native, wrapHeader, err := family.Negotiate(s.Format)
	if err != nil {
		return failed(err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if m.opts.SessionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, m.opts.SessionTimeout)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-s.cancelled:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	acquireCtx := runCtx
	if m.opts.AcquireTimeout > 0 {
		var cancelAcquire context.CancelFunc
		acquireCtx, cancelAcquire = context.WithTimeout(runCtx, m.opts.AcquireTimeout)
		defer cancelAcquire()
	}
	h, err := m.pool.Acquire(acquireCtx, rec)
	if err != nil {
		if s.Cancelled() || errors.Is(ctx.Err(), context.Canceled) {
			return cancelled()
		}
		if errors.Is(err, context.DeadlineExceeded) && !errcode.Has(err, errcode.BackendTimeout) {
			err = errcode.Wrap(errcode.BackendTimeout, err, "timed out acquiring backend")
		}
		return failed(err)
	}
	s.setState(StateAcquired)

	var header []byte
	if wrapHeader {
		if header, err = audio.StreamHeader(native); err != nil {
			m.pool.Release(h)
			return failed(errcode.Wrap(errcode.Internal, err, "build wav header"))
		}
	}
	return m.stream(runCtx, ctx, s, h, backend.Request{
		SessionID: s.ID,
		Text:      s.Text,
		Voice:     rec.Class,
		Format:    native,
	}, header, sink)
}

type panicError struct {
	value any
}

func (p panicError) Error() string { return fmt.Sprintf("backend panicked: %v", p.value) }

// stream invokes the backend and forwards its output. The handle is
// released or discarded exactly once, possibly after stream has returned
// when the backend is still winding down.
func (m *Manager) stream(runCtx, connCtx context.Context, s *Session, h *pool.Handle, req backend.Request, header []byte, sink Sink) Outcome {
	items := make(chan backend.Item)
	stop := make(chan struct{})
	done := make(chan error, 1)

	emit := func(item backend.Item) error {
		select {
		case <-stop:
			return backend.ErrStopped
		default:
		}
		select {
		case items <- item:
			return nil
		case <-stop:
			return backend.ErrStopped
		}
	}

	s.setState(StateStreaming)
	started := time.Now()
	adapter := h.Adapter()
	events := adapter.SupportsEvents()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError{value: r}
			}
		}()
		done <- adapter.Synthesize(runCtx, req, emit)
	}()

	var firstChunk <-chan time.Time
	if m.opts.FirstChunkTimeout > 0 {
		timer := time.NewTimer(m.opts.FirstChunkTimeout)
		defer timer.Stop()
		firstChunk = timer.C
	}

	// abandon stops forwarding and settles the handle once the backend
	// returns.
	abandon := func(discard bool) {
		close(stop)
		go func() {
			err := <-done
			if _, crashed := err.(panicError); crashed || backend.IsFatal(err) {
				discard = true
			}
			m.settle(h, discard)
		}()
	}

	var out Outcome
	var seq uint32
	for {
		select {
		case item := <-items:
			// The cancel flag is checked at every chunk boundary; the
			// goroutine relaying it to runCtx may not have run yet.
			if s.Cancelled() {
				abandon(m.opts.CancelPolicy == CancelRecycle)
				out.Status = protocol.StatusCancelled
				return out
			}
			if runCtx.Err() != nil {
				continue
			}
			if item.Event != nil {
				if !events {
					continue
				}
				ev := protocol.Event{
					Kind:       item.Event.Kind,
					OffsetMS:   item.Event.OffsetMS,
					TextOffset: item.Event.TextOffset,
					TextLength: item.Event.TextLength,
					Text:       item.Event.Text,
				}
				if err := sink.Event(ev); err != nil {
					abandon(m.opts.CancelPolicy == CancelRecycle)
					return m.lost(out, err)
				}
				out.Events++
				continue
			}
			if len(item.Audio) == 0 {
				continue
			}
			payload := item.Audio
			if seq == 0 {
				firstChunk = nil
				if m.firstChunk != nil {
					m.firstChunk.Record(runCtx, float64(time.Since(started).Milliseconds()))
				}
				if header != nil {
					payload = append(append(make([]byte, 0, len(header)+len(payload)), header...), payload...)
				}
			}
			if err := sink.Chunk(seq, payload); err != nil {
				abandon(m.opts.CancelPolicy == CancelRecycle)
				return m.lost(out, err)
			}
			seq++
			out.Chunks++
			out.Bytes += int64(len(payload))

		case err := <-done:
			return m.finish(runCtx, connCtx, s, h, out, err)

		case <-firstChunk:
			abandon(true)
			return withCounts(failed(errcode.Newf(errcode.BackendTimeout, "no audio within %s", m.opts.FirstChunkTimeout)), out)

		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !s.Cancelled() {
				abandon(true)
				timeout := failed(errcode.Newf(errcode.BackendTimeout, "session exceeded %s", m.opts.SessionTimeout))
				timeout.Chunks, timeout.Bytes, timeout.Events = out.Chunks, out.Bytes, out.Events
				return timeout
			}
			abandon(m.opts.CancelPolicy == CancelRecycle)
			out.Status = protocol.StatusCancelled
			return out
		}
	}
}

// finish classifies a backend return and settles the handle.
func (m *Manager) finish(runCtx, connCtx context.Context, s *Session, h *pool.Handle, out Outcome, err error) Outcome {
	var crash panicError
	switch {
	case errors.As(err, &crash):
		m.log.Error("backend panicked", slog.String("session_id", s.ID), slog.Any("panic", crash.value))
		m.pool.Discard(h)
		return withCounts(failed(errcode.Wrap(errcode.BackendRuntimeError, err, "backend crashed")), out)
	case s.Cancelled() || runCtx.Err() != nil:
		// The backend returned because the run was stopped.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !s.Cancelled() && connCtx.Err() == nil {
			m.settle(h, true)
			return withCounts(failed(errcode.Newf(errcode.BackendTimeout, "session exceeded %s", m.opts.SessionTimeout)), out)
		}
		m.settle(h, m.opts.CancelPolicy == CancelRecycle || backend.IsFatal(err))
		out.Status = protocol.StatusCancelled
		return out
	case err == nil:
		m.pool.Release(h)
		out.Status = protocol.StatusCompleted
		return out
	case backend.IsFatal(err):
		m.pool.Discard(h)
	default:
		m.pool.Release(h)
	}
	var coded *errcode.Error
	if !errors.As(err, &coded) {
		err = errcode.Wrap(errcode.BackendRuntimeError, err, "synthesis failed")
	}
	return withCounts(failed(err), out)
}

func withCounts(o, counts Outcome) Outcome {
	o.Chunks, o.Bytes, o.Events = counts.Chunks, counts.Bytes, counts.Events
	return o
}

// lost reports a session whose transport went away mid-stream.
func (m *Manager) lost(out Outcome, err error) Outcome {
	out.Status = protocol.StatusCancelled
	out.Code = errcode.ConnectionClosed
	out.Message = errcode.Message(err)
	return out
}

func (m *Manager) settle(h *pool.Handle, discard bool) {
	if discard {
		m.pool.Discard(h)
		return
	}
	m.pool.Release(h)
}
