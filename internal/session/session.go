// Package session drives one synthesis request from backend acquisition to
// its single terminal notification.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/config"
)

type State string

const (
	StateCreated   State = "created"
	StateAcquired  State = "backend_acquired"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type CancelPolicy string

const (
	// CancelDrain lets a cancelled backend call run out, drops its output and
	// keeps the instance warm.
	CancelDrain CancelPolicy = "drain"
	// CancelRecycle discards the instance once the cancelled call returns.
	CancelRecycle CancelPolicy = "recycle"
)

type Options struct {
	AcquireTimeout    time.Duration
	FirstChunkTimeout time.Duration
	SessionTimeout    time.Duration
	CancelPolicy      CancelPolicy
}

func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		AcquireTimeout:    time.Duration(cfg.AcquireTimeoutMS) * time.Millisecond,
		FirstChunkTimeout: time.Duration(cfg.FirstChunkTimeoutMS) * time.Millisecond,
		SessionTimeout:    time.Duration(cfg.SessionTimeoutMS) * time.Millisecond,
		CancelPolicy:      CancelPolicy(cfg.CancelPolicy),
	}
}

// Session is one request's worth of state. It is owned by the connection
// that created it.
type Session struct {
	ID      string
	WireID  uint64
	Voice   string
	Text    string
	Format  audio.Format
	Created time.Time

	mu         sync.Mutex
	state      State
	cancelled  chan struct{}
	cancelOnce sync.Once
}

func New(wireID uint64, voiceToken, text string, format audio.Format) *Session {
	return &Session{
		ID:        uuid.NewString(),
		WireID:    wireID,
		Voice:     voiceToken,
		Text:      text,
		Format:    format.Normalize(),
		Created:   time.Now(),
		state:     StateCreated,
		cancelled: make(chan struct{}),
	}
}

// Cancel asks the session to stop at the next chunk boundary. It is safe to
// call any number of times from any goroutine.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

func (s *Session) Cancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = st
}
