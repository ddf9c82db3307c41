// Package backend defines the uniform contract every speech engine is driven
// through and the catalog of engine families the bridge can construct.
package backend

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-bridge/internal/audio"
)

// Request is one synthesis call handed to an adapter.
type Request struct {
	SessionID string
	Text      string
	// Voice is the family-specific voice/model identifier from the record's
	// class.
	Voice  string
	Format audio.Format
}

// Event is a word-boundary (or other timing) marker relative to the start of
// the stream.
type Event struct {
	Kind       string
	OffsetMS   int64
	TextOffset int
	TextLength int
	Text       string
}

const EventWord = "word"

// Item is one unit of adapter output: either audio bytes or an event.
type Item struct {
	Audio []byte
	Event *Event
}

// Emit hands one item to the session. It returns ErrStopped once the session
// no longer wants output; adapters should return at that point.
type Emit func(Item) error

// ErrStopped is returned by Emit after cancellation.
var ErrStopped = errors.New("synthesis stopped")

// Adapter is a live, possibly expensive engine instance. Synthesize is never
// called concurrently on the same adapter.
type Adapter interface {
	Synthesize(ctx context.Context, req Request, emit Emit) error
	SupportsEvents() bool
	Close() error
}

type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err as leaving the adapter unusable, so its handle is
// discarded instead of returned to the pool.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
