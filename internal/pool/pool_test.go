package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAdapter struct {
	closed atomic.Bool
}

func (f *fakeAdapter) Synthesize(context.Context, backend.Request, backend.Emit) error { return nil }
func (f *fakeAdapter) SupportsEvents() bool                                            { return false }
func (f *fakeAdapter) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeBuilder struct {
	mu     sync.Mutex
	built  []*fakeAdapter
	delay  time.Duration
	gate   chan struct{}
	err    error
	builds atomic.Int32
}

func (b *fakeBuilder) Build(ctx context.Context, rec voice.Record) (backend.Adapter, error) {
	b.builds.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.err != nil {
		return nil, b.err
	}
	a := &fakeAdapter{}
	b.mu.Lock()
	b.built = append(b.built, a)
	b.mu.Unlock()
	return a, nil
}

func newPool(t *testing.T, opts Options, b Builder) *Pool {
	t.Helper()
	p := New(context.Background(), opts, b, newLogger())
	t.Cleanup(p.Close)
	return p
}

var recT1 = voice.Record{Token: "T1", Name: "one", Module: "mock"}

func TestAcquireReusesIdleHandle(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicySerialize}, b)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, recT1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(h1)
	h2, err := p.Acquire(ctx, recT1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h1.ID() != h2.ID() {
		t.Fatalf("expected warm handle to be reused, got %d then %d", h1.ID(), h2.ID())
	}
	if n := b.builds.Load(); n != 1 {
		t.Fatalf("expected one construction, got %d", n)
	}
	p.Release(h2)
}

func TestSerializeNeverTwoBusy(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicySerialize}, b)
	assertMaxBusy(t, p, 1, 8)
	if n := b.builds.Load(); n != 1 {
		t.Fatalf("serialize should construct a single instance, got %d", n)
	}
}

func TestFanoutCapsBusyHandles(t *testing.T) {
	b := &fakeBuilder{delay: 5 * time.Millisecond}
	p := newPool(t, Options{Policy: PolicyFanout, MaxPerToken: 3}, b)
	assertMaxBusy(t, p, 3, 12)
	if n := b.builds.Load(); n > 3 {
		t.Fatalf("fanout(3) constructed %d instances", n)
	}
}

func assertMaxBusy(t *testing.T, p *Pool, limit int32, workers int) {
	t.Helper()
	var busy, peak atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h, err := p.Acquire(context.Background(), recT1)
				if err != nil {
					errs <- err
					return
				}
				n := busy.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				busy.Add(-1)
				p.Release(h)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if got := peak.Load(); got > limit {
		t.Fatalf("observed %d simultaneously busy handles, limit %d", got, limit)
	}
}

func TestAcquireConstructionErrors(t *testing.T) {
	b := &fakeBuilder{err: errcode.New(errcode.BackendInitError, "model missing")}
	p := newPool(t, Options{Policy: PolicySerialize}, b)
	if _, err := p.Acquire(context.Background(), recT1); !errcode.Has(err, errcode.BackendInitError) {
		t.Fatalf("expected BackendInitError, got %v", err)
	}
	// A failed build must not consume the token's slot.
	b.err = nil
	h, err := p.Acquire(context.Background(), recT1)
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	p.Release(h)
}

func TestAcquireTimeoutWhileWaiting(t *testing.T) {
	p := newPool(t, Options{Policy: PolicySerialize}, &fakeBuilder{})
	h, err := p.Acquire(context.Background(), recT1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, recT1); !errcode.Has(err, errcode.BackendTimeout) {
		t.Fatalf("expected BackendTimeout, got %v", err)
	}
}

func TestAbandonedBuildJoinsIdle(t *testing.T) {
	b := &fakeBuilder{gate: make(chan struct{})}
	p := newPool(t, Options{Policy: PolicySerialize}, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, recT1); !errcode.Has(err, errcode.BackendTimeout) {
		t.Fatalf("expected BackendTimeout, got %v", err)
	}
	close(b.gate)

	deadline := time.Now().Add(time.Second)
	for {
		stats := p.Stats()
		if len(stats) == 1 && stats[0].Idle == 1 && stats[0].Pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("abandoned build never joined the pool: %+v", stats)
		}
		time.Sleep(time.Millisecond)
	}

	h, err := p.Acquire(context.Background(), recT1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := b.builds.Load(); n != 1 {
		t.Fatalf("expected the abandoned build to be reused, got %d builds", n)
	}
	p.Release(h)
}

func TestDoubleReleaseIgnored(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicyFanout, MaxPerToken: 2}, b)
	h, _ := p.Acquire(context.Background(), recT1)
	p.Release(h)
	other, _ := p.Acquire(context.Background(), recT1)
	// Releasing the stale lease must not mark the re-leased instance idle.
	p.Release(h)
	stats := p.Stats()
	if stats[0].Busy != 1 {
		t.Fatalf("stale release changed state: %+v", stats)
	}
	p.Discard(h)
	if b.built[0].closed.Load() {
		t.Fatalf("discard of a stale lease closed a live adapter")
	}
	p.Release(other)
}

func TestDiscardClosesAdapter(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicySerialize}, b)
	h, _ := p.Acquire(context.Background(), recT1)
	p.Discard(h)
	if !b.built[0].closed.Load() {
		t.Fatalf("expected discarded adapter to be closed")
	}
	h2, err := p.Acquire(context.Background(), recT1)
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if h2.ID() == h.ID() {
		t.Fatalf("discarded handle was handed out again")
	}
	p.Release(h2)
}

func TestSweepNeverEvictsBusy(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicyFanout, MaxPerToken: 2, IdleTimeout: time.Minute}, b)
	now := time.Now()
	p.clock = func() time.Time { return now }

	busy, _ := p.Acquire(context.Background(), recT1)
	idle, _ := p.Acquire(context.Background(), recT1)
	p.Release(idle)

	now = now.Add(2 * time.Minute)
	if n := p.Sweep(); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	stats := p.Stats()
	if len(stats) != 1 || stats[0].Busy != 1 || stats[0].Idle != 0 {
		t.Fatalf("unexpected stats after sweep: %+v", stats)
	}
	for _, a := range b.built {
		if a == busy.Adapter() && a.closed.Load() {
			t.Fatalf("busy adapter was closed by sweep")
		}
	}
	p.Release(busy)
}

func TestSweepUnderConcurrentAcquire(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicyFanout, MaxPerToken: 4, IdleTimeout: time.Nanosecond}, b)

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.Sweep()
			}
		}
	}()

	var wg sync.WaitGroup
	var violations atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := p.Acquire(context.Background(), recT1)
				if err != nil {
					violations.Add(1)
					return
				}
				if h.Adapter().(*fakeAdapter).closed.Load() {
					violations.Add(1)
				}
				p.Release(h)
			}
		}()
	}
	wg.Wait()
	close(stop)
	sweeper.Wait()
	if v := violations.Load(); v != 0 {
		t.Fatalf("%d acquisitions observed a closed adapter or failed", v)
	}
}

func TestRetireClosesIdleAndBusyOnRelease(t *testing.T) {
	b := &fakeBuilder{}
	p := newPool(t, Options{Policy: PolicyFanout, MaxPerToken: 2}, b)
	busy, _ := p.Acquire(context.Background(), recT1)
	idle, _ := p.Acquire(context.Background(), recT1)
	p.Release(idle)

	p.Retire("T1")
	if !idle.Adapter().(*fakeAdapter).closed.Load() {
		t.Fatalf("idle adapter should close on retire")
	}
	if busy.Adapter().(*fakeAdapter).closed.Load() {
		t.Fatalf("busy adapter must survive retire until release")
	}
	p.Release(busy)
	if !busy.Adapter().(*fakeAdapter).closed.Load() {
		t.Fatalf("retired adapter should close on release")
	}

	h, err := p.Acquire(context.Background(), recT1)
	if err != nil {
		t.Fatalf("acquire after retire: %v", err)
	}
	if h.ID() == busy.ID() || h.ID() == idle.ID() {
		t.Fatalf("retired handle handed out again")
	}
	p.Release(h)
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	b := &fakeBuilder{}
	p := New(context.Background(), Options{Policy: PolicySerialize}, b, newLogger())
	h, _ := p.Acquire(context.Background(), recT1)
	p.Close()
	if _, err := p.Acquire(context.Background(), recT1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	p.Release(h)
	if !b.built[0].closed.Load() {
		t.Fatalf("busy adapter should close when released after pool close")
	}
}
