// Package tts accepts synthesis requests from the bus and streams the result
// back as bus messages.
package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
)

type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, fn func(data []byte)) error
}

type Runner interface {
	Run(ctx context.Context, s *session.Session, sink session.Sink) session.Outcome
}

// Gateway runs bus requests through the same session manager as plugin
// connections. Each request runs in its own goroutine, bounded by the pool.
type Gateway struct {
	bus    Bus
	runner Runner
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	live   map[string]*session.Session
	nextID atomic.Uint64
}

func NewGateway(parent context.Context, busClient Bus, runner Runner, log *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		bus:    busClient,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*session.Session),
		logger: log.With(slog.String("component", "tts-gateway")),
	}
}

func (g *Gateway) Start() error {
	if err := g.bus.Subscribe(protocol.SubjectTTSRequest, g.handleRequest); err != nil {
		return err
	}
	return g.bus.Subscribe(protocol.SubjectTTSCancel, g.handleCancel)
}

// Close cancels every running request and waits for their completions.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	for _, s := range g.live {
		s.Cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) handleRequest(data []byte) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		g.logger.Warn("dropping tts request without request_id")
		return
	}
	if strings.TrimSpace(req.Voice) == "" {
		g.publishDone(req.RequestID, protocol.Completion{
			Status:  protocol.StatusFailed,
			Code:    errcode.MalformedMessage,
			Message: "tts request requires a voice",
		})
		return
	}
	format := audio.Default
	if req.Format != nil {
		format = *req.Format
	}

	s := session.New(g.nextID.Add(1), req.Voice, req.Text, format)
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return
	}
	if _, busy := g.live[req.RequestID]; busy {
		g.mu.Unlock()
		g.logger.Warn("tts request id reused while in flight", slog.String("request_id", req.RequestID))
		return
	}
	g.live[req.RequestID] = s
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		g.runner.Run(g.ctx, s, &busSink{g: g, requestID: req.RequestID})
	}()
}

func (g *Gateway) handleCancel(data []byte) {
	var req protocol.TTSCancel
	if err := json.Unmarshal(data, &req); err != nil {
		g.logger.Warn("failed to decode tts cancel", slogError(err))
		return
	}
	g.mu.Lock()
	s, ok := g.live[req.RequestID]
	g.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

func (g *Gateway) forget(requestID string) {
	g.mu.Lock()
	delete(g.live, requestID)
	g.mu.Unlock()
}

func (g *Gateway) publishDone(requestID string, c protocol.Completion) error {
	msg := protocol.TTSDone{RequestID: requestID, Completion: c, Timestamp: time.Now().UTC()}
	if err := g.bus.PublishJSON(protocol.SubjectTTSDone, msg); err != nil {
		g.logger.Warn("failed to publish tts completion", slog.String("request_id", requestID), slogError(err))
		return err
	}
	return nil
}

// busSink publishes one request's output. Chunks and events share a
// sequence so subscribers can restore their order.
type busSink struct {
	g         *Gateway
	requestID string
	seq       uint32
}

func (s *busSink) Chunk(_ uint32, data []byte) error {
	return s.publish(protocol.TTSChunk{Audio: data})
}

func (s *busSink) Event(ev protocol.Event) error {
	return s.publish(protocol.TTSChunk{Event: &ev})
}

func (s *busSink) publish(msg protocol.TTSChunk) error {
	msg.RequestID = s.requestID
	msg.Sequence = s.seq
	s.seq++
	if err := s.g.bus.PublishJSON(protocol.SubjectTTSAudio+s.requestID, msg); err != nil {
		s.g.logger.Warn("failed to publish tts chunk", slog.String("request_id", s.requestID), slogError(err))
		return err
	}
	return nil
}

func (s *busSink) Complete(c protocol.Completion) error {
	s.g.forget(s.requestID)
	return s.g.publishDone(s.requestID, c)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
