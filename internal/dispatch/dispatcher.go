// Package dispatch serves plugin connections: it decodes requests, answers
// the cheap ones inline and queues synthesis sessions per connection.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/capability"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/transport"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Voices interface {
	Resolve(token string) (voice.Record, error)
	List() []voice.Record
}

type Backends interface {
	Lookup(module string) (backend.Family, error)
	Families() []backend.Family
}

type Runner interface {
	Run(ctx context.Context, s *session.Session, sink session.Sink) session.Outcome
}

type Options struct {
	MaxSessionsPerConn int
	QueueDepth         int
}

func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{MaxSessionsPerConn: cfg.MaxSessionsPerConn, QueueDepth: cfg.QueueDepth}
}

type Dispatcher struct {
	voices   Voices
	backends Backends
	runner   Runner
	opts     Options
	log      *slog.Logger

	wg          sync.WaitGroup
	connections metric.Int64UpDownCounter
	requests    metric.Int64Counter
}

func New(voices Voices, backends Backends, runner Runner, opts Options, log *slog.Logger) *Dispatcher {
	if opts.MaxSessionsPerConn <= 0 {
		opts.MaxSessionsPerConn = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	d := &Dispatcher{
		voices:   voices,
		backends: backends,
		runner:   runner,
		opts:     opts,
		log:      log.With(slog.String("component", "dispatcher")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/dispatch")
	var err error
	if d.connections, err = meter.Int64UpDownCounter("bridge.connections", metric.WithDescription("Open plugin connections")); err != nil {
		d.log.Warn("failed to create connections gauge", slog.String("error", err.Error()))
	}
	if d.requests, err = meter.Int64Counter("bridge.requests", metric.WithDescription("Requests received by operation")); err != nil {
		d.log.Warn("failed to create requests counter", slog.String("error", err.Error()))
	}
	return d
}

// Serve runs the accept loop until ln is closed.
func (d *Dispatcher) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.ServeConn(ctx, conn)
		}()
	}
}

// Wait blocks until every connection handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// connState is the per-connection session table and FIFO.
type connState struct {
	conn  *transport.Conn
	log   *slog.Logger
	mu    sync.Mutex
	live  map[uint64]*session.Session
	queue chan *session.Session
}

func (cs *connState) lookup(id uint64) (*session.Session, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s, ok := cs.live[id]
	return s, ok
}

func (cs *connState) forget(id uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.live, id)
}

func (cs *connState) cancelAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, s := range cs.live {
		s.Cancel()
	}
}

// ServeConn reads requests from conn until it fails or ctx ends. The reader
// keeps reading while sessions run so that cancel requests are observed.
func (d *Dispatcher) ServeConn(ctx context.Context, conn *transport.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log := d.log.With(slog.String("remote", conn.RemoteAddr()), slog.String("transport", conn.Kind()))
	log.Info("connection opened")
	if d.connections != nil {
		d.connections.Add(ctx, 1)
		defer d.connections.Add(context.WithoutCancel(ctx), -1)
	}

	cs := &connState{
		conn:  conn,
		log:   log,
		live:  make(map[uint64]*session.Session),
		queue: make(chan *session.Session, d.opts.QueueDepth),
	}

	var workers sync.WaitGroup
	for i := 0; i < d.opts.MaxSessionsPerConn; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for s := range cs.queue {
				d.runner.Run(ctx, s, &connSink{cs: cs, id: s.WireID})
			}
		}()
	}

	for {
		id, req, err := conn.ReadRequest()
		if err != nil {
			if errors.Is(err, transport.ErrBadRequest) {
				log.Warn("rejecting undecodable request", slog.Uint64("wire_id", id), slog.String("error", err.Error()))
				if werr := conn.WriteError(id, err); werr != nil {
					break
				}
				continue
			}
			if errcode.Has(err, errcode.ConnectionClosed) || ctx.Err() != nil {
				log.Info("connection closed")
			} else {
				log.Warn("closing connection after protocol error", slog.String("error", err.Error()))
			}
			break
		}
		d.handle(ctx, cs, id, req)
	}

	// Connection loss cancels everything still queued or running.
	cancel()
	cs.cancelAll()
	close(cs.queue)
	workers.Wait()
	_ = conn.Close()
}

func (d *Dispatcher) handle(ctx context.Context, cs *connState, id uint64, req protocol.Request) {
	if d.requests != nil {
		d.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(req.Op))))
	}
	switch req.Op {
	case capability.OpSynthesize:
		d.enqueue(cs, id, req)
	case capability.OpCancel:
		d.cancel(cs, id, req)
	case capability.OpCapabilities:
		result, err := d.capabilities(req.Voice)
		d.reply(cs, id, result, err)
	case capability.OpListVoices:
		d.reply(cs, id, d.listVoices(req.Module), nil)
	case capability.OpListBackends:
		d.reply(cs, id, d.listBackends(), nil)
	case capability.OpPing:
		d.reply(cs, id, map[string]any{"time": time.Now().UTC()}, nil)
	default:
		cs.log.Info("declining unsupported operation", slog.String("op", string(req.Op)), slog.Uint64("wire_id", id))
		_ = cs.conn.WriteCompletion(id, protocol.Completion{
			Status:  protocol.StatusNotSupported,
			Code:    errcode.OperationNotSupported,
			Message: "operation " + string(req.Op) + " is not supported",
		})
	}
}

func (d *Dispatcher) enqueue(cs *connState, id uint64, req protocol.Request) {
	if strings.TrimSpace(req.Voice) == "" {
		_ = cs.conn.WriteError(id, errcode.New(errcode.MalformedMessage, "synthesize requires a voice"))
		return
	}
	format := audio.Default
	if req.Format != nil {
		format = *req.Format
	}

	cs.mu.Lock()
	if _, busy := cs.live[id]; busy {
		cs.mu.Unlock()
		cs.log.Warn("session id reused while in flight", slog.Uint64("wire_id", id))
		// The original session keeps the id, so no completion is sent for the
		// duplicate.
		return
	}
	s := session.New(id, req.Voice, req.Text, format)
	select {
	case cs.queue <- s:
		cs.live[id] = s
		cs.mu.Unlock()
	default:
		cs.mu.Unlock()
		_ = cs.conn.WriteError(id, errcode.Newf(errcode.Internal, "connection already has %d queued requests", cap(cs.queue)))
	}
}

// cancel stops the target session. The cancel request gets its own
// completion unless it was sent under the target's id, in which case the
// target's cancelled completion is the only reply.
func (d *Dispatcher) cancel(cs *connState, id uint64, req protocol.Request) {
	target := req.Target
	if target == 0 {
		target = id
	}
	s, found := cs.lookup(target)
	if found {
		s.Cancel()
		cs.log.Info("session cancel requested", slog.Uint64("wire_id", target), slog.String("session_id", s.ID))
	}
	if target == id && found {
		return
	}
	d.reply(cs, id, map[string]any{"target": target, "cancelled": found}, nil)
}

func (d *Dispatcher) capabilities(token string) (any, error) {
	if token == "" {
		ops := []capability.Op{
			capability.OpSynthesize, capability.OpCancel, capability.OpCapabilities,
			capability.OpListVoices, capability.OpListBackends, capability.OpPing,
		}
		return map[string]any{"operations": capability.NewSet(ops...).List()}, nil
	}
	rec, err := d.voices.Resolve(token)
	if err != nil {
		return nil, err
	}
	family, err := d.backends.Lookup(rec.Module)
	if err != nil {
		return nil, err
	}
	return capability.ForVoice(rec.Token, rec.Module, family.Offers(), family.VoiceEvents(rec)), nil
}

func (d *Dispatcher) listVoices(module string) []protocol.VoiceInfo {
	records := d.voices.List()
	out := make([]protocol.VoiceInfo, 0, len(records))
	for _, rec := range records {
		if module != "" && rec.Module != module {
			continue
		}
		out = append(out, protocol.VoiceInfo{
			Token:    rec.Token,
			Name:     rec.Name,
			Vendor:   rec.Vendor,
			Module:   rec.Module,
			Class:    rec.Class,
			Language: rec.Language,
			Gender:   rec.Gender,
		})
	}
	return out
}

func (d *Dispatcher) listBackends() []protocol.BackendInfo {
	families := d.backends.Families()
	out := make([]protocol.BackendInfo, 0, len(families))
	for _, f := range families {
		out = append(out, protocol.BackendInfo{Name: f.Name, Encodings: f.Offers(), Events: f.Events})
	}
	return out
}

// reply sends a completed completion carrying result, or a failed one for err.
func (d *Dispatcher) reply(cs *connState, id uint64, result any, err error) {
	if err != nil {
		_ = cs.conn.WriteError(id, err)
		return
	}
	body, merr := json.Marshal(result)
	if merr != nil {
		_ = cs.conn.WriteError(id, errcode.Wrap(errcode.Internal, merr, "encode result"))
		return
	}
	_ = cs.conn.WriteCompletion(id, protocol.Completion{Status: protocol.StatusCompleted, Result: body})
}

// connSink forwards one session's output to its connection.
type connSink struct {
	cs *connState
	id uint64
}

func (s *connSink) Chunk(seq uint32, data []byte) error {
	return s.cs.conn.WriteChunk(s.id, seq, data)
}

func (s *connSink) Event(ev protocol.Event) error {
	return s.cs.conn.WriteEvent(s.id, ev)
}

// Complete frees the session id before the client can observe the
// completion, so the id may be reused right away.
func (s *connSink) Complete(c protocol.Completion) error {
	s.cs.forget(s.id)
	return s.cs.conn.WriteCompletion(s.id, c)
}
