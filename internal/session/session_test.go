package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/pool"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticVoices map[string]voice.Record

func (v staticVoices) Resolve(token string) (voice.Record, error) {
	rec, ok := v[token]
	if !ok {
		return voice.Record{}, errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
	}
	return rec, nil
}

// countingPool wraps the real pool and counts settlements per handle.
type countingPool struct {
	*pool.Pool
	mu      sync.Mutex
	settled map[uint64]int
	discard atomic.Int32
}

func (c *countingPool) Release(h *pool.Handle) {
	c.count(h)
	c.Pool.Release(h)
}

func (c *countingPool) Discard(h *pool.Handle) {
	c.count(h)
	c.discard.Add(1)
	c.Pool.Discard(h)
}

func (c *countingPool) count(h *pool.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled[h.ID()]++
}

func (c *countingPool) waitSettled(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		total := 0
		for id, n := range c.settled {
			if n != 1 {
				c.mu.Unlock()
				t.Fatalf("handle %d settled %d times", id, n)
			}
			total += n
		}
		c.mu.Unlock()
		if total == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d settlements, got %d", want, total)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordingSink struct {
	mu          sync.Mutex
	seqs        []uint32
	chunks      [][]byte
	events      []protocol.Event
	completions []protocol.Completion
	onChunk     func(seq uint32)
	failChunks  bool
}

func (r *recordingSink) Chunk(seq uint32, data []byte) error {
	if r.failChunks {
		return errors.New("broken pipe")
	}
	r.mu.Lock()
	r.seqs = append(r.seqs, seq)
	r.chunks = append(r.chunks, data)
	r.mu.Unlock()
	if r.onChunk != nil {
		r.onChunk(seq)
	}
	return nil
}

func (r *recordingSink) Event(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Complete(c protocol.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
	return nil
}

func newManager(t *testing.T, opts Options, records ...voice.Record) (*Manager, *countingPool) {
	t.Helper()
	catalog := backend.NewCatalog()
	catalog.Register(backend.MockFamily())
	p := pool.New(context.Background(), pool.Options{Policy: pool.PolicySerialize}, catalog, newLogger())
	t.Cleanup(p.Close)
	cp := &countingPool{Pool: p, settled: make(map[uint64]int)}
	voices := staticVoices{}
	for _, rec := range records {
		voices[rec.Token] = rec
	}
	return NewManager(voices, catalog, cp, opts, newLogger()), cp
}

func mockVoice(token string, cfg map[string]string) voice.Record {
	return voice.Record{Token: token, Name: token, Vendor: "Acme", Module: "mock", Class: "C", Config: cfg}
}

var wav16k = audio.Format{Encoding: audio.EncodingWAV, SampleRate: 16000, Channels: 1}

func TestThreeChunksThenCompleted(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"chunks": "3"}))
	sink := &recordingSink{}
	s := New(7, "T1", "hello", wav16k)

	out := m.Run(context.Background(), s, sink)
	if out.Status != protocol.StatusCompleted {
		t.Fatalf("expected completed, got %+v", out)
	}
	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sink.chunks))
	}
	for i, seq := range sink.seqs {
		if seq != uint32(i) {
			t.Fatalf("chunk %d carried sequence %d", i, seq)
		}
	}
	if !bytes.HasPrefix(sink.chunks[0], []byte("RIFF")) {
		t.Fatalf("expected a wav header on the first chunk")
	}
	if bytes.HasPrefix(sink.chunks[1], []byte("RIFF")) {
		t.Fatalf("only the first chunk carries the header")
	}
	if len(sink.completions) != 1 || sink.completions[0].Status != protocol.StatusCompleted {
		t.Fatalf("expected exactly one completed notification, got %+v", sink.completions)
	}
	if s.State() != StateCompleted {
		t.Fatalf("unexpected state %s", s.State())
	}
	cp.waitSettled(t, 1)
}

func TestPCMRequestHasNoHeader(t *testing.T) {
	m, _ := newManager(t, Options{}, mockVoice("T1", map[string]string{"chunks": "1", "chunk_ms": "10"}))
	sink := &recordingSink{}
	m.Run(context.Background(), New(1, "T1", "hi", audio.Format{Encoding: audio.EncodingPCM, SampleRate: 16000, Channels: 1}), sink)
	if len(sink.chunks) != 1 || len(sink.chunks[0]) != 16000/100*2 {
		t.Fatalf("expected one raw 10ms chunk, got %d chunks", len(sink.chunks))
	}
}

func TestWordEventsForwarded(t *testing.T) {
	m, _ := newManager(t, Options{}, mockVoice("T1", nil))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "one two three", wav16k), sink)
	if out.Events != 3 || len(sink.events) != 3 || sink.events[2].Text != "three" {
		t.Fatalf("expected 3 word events, got %+v", sink.events)
	}
}

func TestUnknownVoiceFailsWithoutChunks(t *testing.T) {
	m, cp := newManager(t, Options{})
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "missing", "hello", wav16k), sink)
	if out.Status != protocol.StatusFailed || out.Code != errcode.UnknownVoice {
		t.Fatalf("expected UnknownVoice failure, got %+v", out)
	}
	if len(sink.chunks) != 0 || len(sink.completions) != 1 {
		t.Fatalf("expected a single failed frame, got %d chunks %d completions", len(sink.chunks), len(sink.completions))
	}
	cp.waitSettled(t, 0)
}

func TestUnsupportedFormat(t *testing.T) {
	m, _ := newManager(t, Options{}, mockVoice("T1", nil))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "hello", audio.Format{Encoding: audio.EncodingMP3}), sink)
	if out.Code != errcode.UnsupportedFormat {
		t.Fatalf("expected UnsupportedFormat, got %+v", out)
	}
}

func TestBackendInitError(t *testing.T) {
	m, _ := newManager(t, Options{}, mockVoice("T1", map[string]string{"fail_init": "true"}))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "hello", wav16k), sink)
	if out.Code != errcode.BackendInitError || len(sink.completions) != 1 {
		t.Fatalf("expected BackendInitError, got %+v", out)
	}
}

func TestCancelMidStream(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"chunks": "5", "chunk_delay_ms": "30"}))
	s := New(1, "T1", "a b c d e", wav16k)
	sink := &recordingSink{}
	sink.onChunk = func(seq uint32) {
		if seq == 0 {
			s.Cancel()
		}
	}
	out := m.Run(context.Background(), s, sink)
	if out.Status != protocol.StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	if n := len(sink.chunks); n < 1 || n > 2 {
		t.Fatalf("expected chunk 1 and at most chunk 2, got %d chunks", n)
	}
	if len(sink.completions) != 1 || sink.completions[0].Status != protocol.StatusCancelled {
		t.Fatalf("expected a single cancelled completion, got %+v", sink.completions)
	}
	cp.waitSettled(t, 1)
	if cp.discard.Load() != 0 {
		t.Fatalf("drain policy must keep the handle")
	}
}

// Cancelling from inside the chunk callback leaves no time for the context
// to be cancelled before the next item arrives, so the flag itself must stop
// forwarding.
func TestCancelWithoutChunkDelay(t *testing.T) {
	for _, cooperative := range []string{"true", "false"} {
		t.Run("cooperative="+cooperative, func(t *testing.T) {
			const runs = 200
			for i := 0; i < runs; i++ {
				m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{
					"chunks": "5", "events": "false", "cooperative": cooperative,
				}))
				s := New(uint64(i+1), "T1", "a b c d e", wav16k)
				sink := &recordingSink{}
				sink.onChunk = func(seq uint32) {
					if seq == 0 {
						s.Cancel()
					}
				}
				out := m.Run(context.Background(), s, sink)
				if out.Status != protocol.StatusCancelled {
					t.Fatalf("run %d: expected cancelled, got %+v", i, out)
				}
				if n := len(sink.chunks); n < 1 || n > 2 {
					t.Fatalf("run %d: expected at most 2 chunks, got %d", i, n)
				}
				if len(sink.completions) != 1 || sink.completions[0].Status != protocol.StatusCancelled {
					t.Fatalf("run %d: expected one cancelled completion, got %+v", i, sink.completions)
				}
				cp.waitSettled(t, 1)
			}
		})
	}
}

func TestFirstChunkTimeoutKeepsEventCount(t *testing.T) {
	m, cp := newManager(t, Options{FirstChunkTimeout: 30 * time.Millisecond},
		mockVoice("T1", map[string]string{"audio_delay_ms": "500"}))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "hello world", wav16k), sink)
	if out.Code != errcode.BackendTimeout {
		t.Fatalf("expected BackendTimeout, got %+v", out)
	}
	if out.Events != 1 || len(sink.events) != 1 {
		t.Fatalf("expected the forwarded event to be counted, got outcome %+v and %d events", out, len(sink.events))
	}
	cp.waitSettled(t, 1)
}

func TestCancelRecyclePolicyDiscards(t *testing.T) {
	m, cp := newManager(t, Options{CancelPolicy: CancelRecycle}, mockVoice("T1", map[string]string{"chunks": "5", "chunk_delay_ms": "20", "cooperative": "false"}))
	s := New(1, "T1", "x", wav16k)
	sink := &recordingSink{onChunk: func(uint32) { s.Cancel() }}
	out := m.Run(context.Background(), s, sink)
	if out.Status != protocol.StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	cp.waitSettled(t, 1)
	if cp.discard.Load() != 1 {
		t.Fatalf("recycle policy should discard the handle")
	}
}

func TestCancelBeforeRun(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", nil))
	s := New(1, "T1", "x", wav16k)
	s.Cancel()
	s.Cancel()
	sink := &recordingSink{}
	out := m.Run(context.Background(), s, sink)
	if out.Status != protocol.StatusCancelled || len(sink.chunks) != 0 {
		t.Fatalf("expected immediate cancel, got %+v", out)
	}
	cp.waitSettled(t, 0)
}

func TestConnectionLossCancels(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"chunks": "5", "chunk_delay_ms": "30"}))
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onChunk: func(uint32) { cancel() }}
	out := m.Run(ctx, New(1, "T1", "x", wav16k), sink)
	if out.Status != protocol.StatusCancelled {
		t.Fatalf("expected cancelled on connection loss, got %+v", out)
	}
	cp.waitSettled(t, 1)
}

func TestBrokenSinkCancels(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"events": "false"}))
	sink := &recordingSink{failChunks: true}
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), sink)
	if out.Status != protocol.StatusCancelled || out.Code != errcode.ConnectionClosed {
		t.Fatalf("expected ConnectionClosed cancel, got %+v", out)
	}
	cp.waitSettled(t, 1)
}

func TestBackendPanicIsContained(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"panic_after": "0"}))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), sink)
	if out.Status != protocol.StatusFailed || out.Code != errcode.BackendRuntimeError {
		t.Fatalf("expected BackendRuntimeError, got %+v", out)
	}
	if len(sink.chunks) != 1 || len(sink.completions) != 1 {
		t.Fatalf("partial output must stay delivered: %d chunks, %d completions", len(sink.chunks), len(sink.completions))
	}
	cp.waitSettled(t, 1)
	if cp.discard.Load() != 1 {
		t.Fatalf("a crashed backend must be discarded")
	}
}

func TestRuntimeErrorReleases(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"fail_after": "1"}))
	sink := &recordingSink{}
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), sink)
	if out.Code != errcode.BackendRuntimeError || out.Chunks != 2 {
		t.Fatalf("expected runtime error after 2 chunks, got %+v", out)
	}
	cp.waitSettled(t, 1)
	if cp.discard.Load() != 0 {
		t.Fatalf("non-fatal failure should keep the handle")
	}
}

func TestFatalErrorDiscards(t *testing.T) {
	m, cp := newManager(t, Options{}, mockVoice("T1", map[string]string{"fail_after": "0", "fatal": "true"}))
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), &recordingSink{})
	if out.Code != errcode.BackendRuntimeError {
		t.Fatalf("expected BackendRuntimeError, got %+v", out)
	}
	cp.waitSettled(t, 1)
	if cp.discard.Load() != 1 {
		t.Fatalf("fatal failure should discard the handle")
	}
}

func TestFirstChunkTimeout(t *testing.T) {
	opts := Options{FirstChunkTimeout: 20 * time.Millisecond}
	m, cp := newManager(t, opts, mockVoice("T1", map[string]string{"chunk_delay_ms": "500", "cooperative": "false", "chunks": "1"}))
	sink := &recordingSink{}
	start := time.Now()
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), sink)
	if out.Code != errcode.BackendTimeout {
		t.Fatalf("expected BackendTimeout, got %+v", out)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("timeout did not fire promptly")
	}
	cp.waitSettled(t, 1)
	if len(sink.chunks) != 0 {
		t.Fatalf("late audio leaked to the client")
	}
}

func TestAcquireTimeout(t *testing.T) {
	opts := Options{AcquireTimeout: 20 * time.Millisecond}
	m, _ := newManager(t, opts, mockVoice("T1", map[string]string{"init_delay_ms": "500"}))
	out := m.Run(context.Background(), New(1, "T1", "x", wav16k), &recordingSink{})
	if out.Code != errcode.BackendTimeout {
		t.Fatalf("expected BackendTimeout, got %+v", out)
	}
}

type recordingObserver struct {
	started  atomic.Int32
	finished []Outcome
}

func (o *recordingObserver) SessionStarted(*Session) { o.started.Add(1) }
func (o *recordingObserver) SessionFinished(_ *Session, out Outcome) {
	o.finished = append(o.finished, out)
}

func TestObserverSeesEverySession(t *testing.T) {
	m, _ := newManager(t, Options{}, mockVoice("T1", nil))
	obs := &recordingObserver{}
	m.SetObserver(obs)
	m.Run(context.Background(), New(1, "T1", "x", wav16k), &recordingSink{})
	m.Run(context.Background(), New(2, "nope", "x", wav16k), &recordingSink{})
	if obs.started.Load() != 2 || len(obs.finished) != 2 {
		t.Fatalf("observer saw %d starts, %d finishes", obs.started.Load(), len(obs.finished))
	}
	if obs.finished[1].Code != errcode.UnknownVoice {
		t.Fatalf("unexpected second outcome %+v", obs.finished[1])
	}
}
