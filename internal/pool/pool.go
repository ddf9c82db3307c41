// Package pool keeps warm backend instances keyed by voice token and hands
// them out one synthesis at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Builder constructs a fresh adapter for a record. *backend.Catalog is the
// production implementation.
type Builder interface {
	Build(ctx context.Context, rec voice.Record) (backend.Adapter, error)
}

type Policy string

const (
	PolicySerialize Policy = "serialize"
	PolicyFanout    Policy = "fanout"
)

type Options struct {
	Policy        Policy
	MaxPerToken   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		Policy:        Policy(cfg.Policy),
		MaxPerToken:   cfg.MaxPerToken,
		IdleTimeout:   time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		SweepInterval: time.Duration(cfg.SweepIntervalMS) * time.Millisecond,
	}
}

func (o Options) perToken() int {
	if o.Policy == PolicyFanout && o.MaxPerToken > 0 {
		return o.MaxPerToken
	}
	return 1
}

var ErrClosed = errors.New("pool closed")

// entry is one live backend instance owned by the pool.
type entry struct {
	id       uint64
	token    string
	adapter  backend.Adapter
	created  time.Time
	lastUsed time.Time
	busy     bool
	retired  bool
}

// Handle is the lease on an entry given to one session. Exactly one of
// Release or Discard takes effect per handle.
type Handle struct {
	e    *entry
	done atomic.Bool
}

func (h *Handle) Adapter() backend.Adapter { return h.e.adapter }
func (h *Handle) Token() string            { return h.e.token }
func (h *Handle) ID() uint64               { return h.e.id }
func (h *Handle) Created() time.Time       { return h.e.created }

type tokenState struct {
	entries []*entry
	pending int
	wake    chan struct{}
}

// broadcast wakes every goroutine waiting on the current wake channel.
func (ts *tokenState) broadcast() {
	close(ts.wake)
	ts.wake = make(chan struct{})
}

type build struct {
	done      chan struct{}
	finished  bool
	abandoned bool
	entry     *entry
	err       error
}

type Pool struct {
	opts    Options
	builder Builder
	log     *slog.Logger
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tokens map[string]*tokenState
	closed bool
	nextID uint64

	coldStart metric.Float64Histogram
	evictions metric.Int64Counter
}

func New(parent context.Context, opts Options, builder Builder, log *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		opts:    opts,
		builder: builder,
		log:     log.With(slog.String("component", "adapter-pool")),
		clock:   time.Now,
		ctx:     ctx,
		cancel:  cancel,
		tokens:  make(map[string]*tokenState),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

// Start launches the idle sweeper.
func (p *Pool) Start() {
	if p.opts.SweepInterval <= 0 || p.opts.IdleTimeout <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

func (p *Pool) stateLocked(token string) *tokenState {
	ts, ok := p.tokens[token]
	if !ok {
		ts = &tokenState{wake: make(chan struct{})}
		p.tokens[token] = ts
	}
	return ts
}

// Acquire returns an idle handle for rec.Token or builds a new one within
// the concurrency policy, waiting when the token is at capacity. ctx bounds
// only the caller's wait: a build it started keeps running and its handle
// joins the pool idle.
func (p *Pool) Acquire(ctx context.Context, rec voice.Record) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		ts := p.stateLocked(rec.Token)
		for _, e := range ts.entries {
			if !e.busy && !e.retired {
				e.busy = true
				p.mu.Unlock()
				return &Handle{e: e}, nil
			}
		}
		if len(ts.entries)+ts.pending < p.opts.perToken() {
			ts.pending++
			b := &build{done: make(chan struct{})}
			p.wg.Add(1)
			p.mu.Unlock()
			go p.runBuild(rec, b)
			return p.awaitBuild(ctx, rec.Token, b)
		}
		wake := ts.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, acquireError(ctx, rec.Token)
		}
	}
}

func (p *Pool) awaitBuild(ctx context.Context, token string, b *build) (*Handle, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		p.mu.Lock()
		if !b.finished {
			b.abandoned = true
			p.mu.Unlock()
			return nil, acquireError(ctx, token)
		}
		p.mu.Unlock()
		if b.entry != nil {
			// Finished in the same instant; hand it back rather than leak it busy.
			p.Release(&Handle{e: b.entry})
		}
		return nil, acquireError(ctx, token)
	}
	if b.err != nil {
		return nil, b.err
	}
	return &Handle{e: b.entry}, nil
}

func (p *Pool) runBuild(rec voice.Record, b *build) {
	defer p.wg.Done()
	start := p.clock()
	adapter, err := p.builder.Build(p.ctx, rec)
	elapsed := p.clock().Sub(start)

	var toClose backend.Adapter
	p.mu.Lock()
	ts := p.stateLocked(rec.Token)
	ts.pending--
	b.finished = true
	switch {
	case err != nil:
		b.err = err
	case p.closed:
		b.err = ErrClosed
		toClose = adapter
	default:
		p.nextID++
		now := p.clock()
		e := &entry{id: p.nextID, token: rec.Token, adapter: adapter, created: now, lastUsed: now}
		ts.entries = append(ts.entries, e)
		if b.abandoned {
			p.log.Info("abandoned build joined pool idle", slog.String("token", rec.Token))
		} else {
			e.busy = true
			b.entry = e
		}
	}
	ts.broadcast()
	p.mu.Unlock()
	close(b.done)

	if toClose != nil {
		closeAdapter(p.log, rec.Token, toClose)
	}
	if err != nil {
		p.log.Warn("backend construction failed", slog.String("token", rec.Token), slog.String("module", rec.Module), slogError(err))
		return
	}
	if p.coldStart != nil {
		p.coldStart.Record(p.ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("module", rec.Module)))
	}
	p.log.Info("backend instance created",
		slog.String("token", rec.Token),
		slog.String("module", rec.Module),
		slog.Duration("cold_start", elapsed))
}

func acquireError(ctx context.Context, token string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.Wrap(errcode.BackendTimeout, ctx.Err(), fmt.Sprintf("timed out acquiring backend for %s", token))
	}
	return ctx.Err()
}

// Release returns a handle to the pool idle. A second release, or a release
// after Discard, is ignored.
func (p *Pool) Release(h *Handle) {
	if !h.done.CompareAndSwap(false, true) {
		p.log.Warn("ignoring repeated release", slog.String("token", h.e.token), slog.Uint64("handle", h.e.id))
		return
	}
	var toClose backend.Adapter
	p.mu.Lock()
	e := h.e
	e.busy = false
	e.lastUsed = p.clock()
	if e.retired || p.closed {
		p.removeLocked(e)
		toClose = e.adapter
	}
	if ts, ok := p.tokens[e.token]; ok {
		ts.broadcast()
	}
	p.mu.Unlock()

	if toClose != nil {
		closeAdapter(p.log, e.token, toClose)
	}
}

// Discard removes a handle whose backend must not be reused and closes it.
func (p *Pool) Discard(h *Handle) {
	if !h.done.CompareAndSwap(false, true) {
		p.log.Warn("ignoring discard of released handle", slog.String("token", h.e.token), slog.Uint64("handle", h.e.id))
		return
	}
	p.mu.Lock()
	e := h.e
	e.busy = false
	p.removeLocked(e)
	if ts, ok := p.tokens[e.token]; ok {
		ts.broadcast()
	}
	p.mu.Unlock()

	p.log.Info("backend instance discarded", slog.String("token", e.token), slog.Uint64("handle", e.id))
	closeAdapter(p.log, e.token, e.adapter)
}

// Retire closes idle handles of token now and busy ones on release, so the
// next acquisition builds from the current record.
func (p *Pool) Retire(token string) {
	var toClose []*entry
	p.mu.Lock()
	if ts, ok := p.tokens[token]; ok {
		kept := ts.entries[:0]
		for _, e := range ts.entries {
			if e.busy {
				e.retired = true
				kept = append(kept, e)
				continue
			}
			toClose = append(toClose, e)
		}
		ts.entries = kept
		ts.broadcast()
	}
	p.mu.Unlock()

	for _, e := range toClose {
		closeAdapter(p.log, e.token, e.adapter)
	}
	if len(toClose) > 0 {
		p.log.Info("retired backend instances", slog.String("token", token), slog.Int("closed", len(toClose)))
	}
}

// Sweep destroys handles idle for longer than the idle timeout. Busy
// handles are never touched.
func (p *Pool) Sweep() int {
	now := p.clock()
	var evicted []*entry
	p.mu.Lock()
	for token, ts := range p.tokens {
		kept := ts.entries[:0]
		for _, e := range ts.entries {
			if !e.busy && now.Sub(e.lastUsed) >= p.opts.IdleTimeout {
				evicted = append(evicted, e)
				continue
			}
			kept = append(kept, e)
		}
		ts.entries = kept
		if len(ts.entries) == 0 && ts.pending == 0 {
			ts.broadcast()
			delete(p.tokens, token)
		}
	}
	p.mu.Unlock()

	for _, e := range evicted {
		p.log.Info("evicting idle backend instance",
			slog.String("token", e.token),
			slog.Uint64("handle", e.id),
			slog.Duration("idle", now.Sub(e.lastUsed)))
		closeAdapter(p.log, e.token, e.adapter)
	}
	if p.evictions != nil && len(evicted) > 0 {
		p.evictions.Add(p.ctx, int64(len(evicted)))
	}
	return len(evicted)
}

func (p *Pool) removeLocked(e *entry) {
	ts, ok := p.tokens[e.token]
	if !ok {
		return
	}
	for i, cur := range ts.entries {
		if cur == e {
			ts.entries = append(ts.entries[:i], ts.entries[i+1:]...)
			return
		}
	}
}

// Close stops the sweeper, closes idle handles and makes busy ones close on
// release.
func (p *Pool) Close() {
	var toClose []*entry
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ts := range p.tokens {
		kept := ts.entries[:0]
		for _, e := range ts.entries {
			if e.busy {
				kept = append(kept, e)
				continue
			}
			toClose = append(toClose, e)
		}
		ts.entries = kept
		ts.broadcast()
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, e := range toClose {
		closeAdapter(p.log, e.token, e.adapter)
	}
}

// TokenStats is a point-in-time view of one token's handles.
type TokenStats struct {
	Token   string
	Busy    int
	Idle    int
	Pending int
}

func (p *Pool) Stats() []TokenStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TokenStats, 0, len(p.tokens))
	for token, ts := range p.tokens {
		s := TokenStats{Token: token, Pending: ts.pending}
		for _, e := range ts.entries {
			if e.busy {
				s.Busy++
			} else {
				s.Idle++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (p *Pool) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/pool")
	handles, err := meter.Int64ObservableGauge("bridge.pool.handles", metric.WithDescription("Live backend instances by token and state"))
	if err != nil {
		return err
	}
	p.coldStart, err = meter.Float64Histogram("bridge.pool.cold_start", metric.WithDescription("Backend construction latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	p.evictions, err = meter.Int64Counter("bridge.pool.evictions", metric.WithDescription("Idle backend instances evicted"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for _, s := range p.Stats() {
			token := attribute.String("token", s.Token)
			obs.ObserveInt64(handles, int64(s.Busy), metric.WithAttributes(token, attribute.String("state", "busy")))
			obs.ObserveInt64(handles, int64(s.Idle), metric.WithAttributes(token, attribute.String("state", "idle")))
		}
		return nil
	}, handles)
	return err
}

func closeAdapter(log *slog.Logger, token string, a backend.Adapter) {
	if a == nil {
		return
	}
	if err := a.Close(); err != nil {
		log.Warn("failed to close backend instance", slog.String("token", token), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
