// Package transport accepts plugin connections and turns their byte streams
// into framed requests and ordered, serialized responses.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

var (
	// ErrClosed is returned by Accept once the listener has been closed.
	ErrClosed = errors.New("listener closed")
	// ErrBadRequest marks a well-framed request whose body could not be
	// decoded. The connection stays usable.
	ErrBadRequest = errors.New("bad request")
)

type Options struct {
	MaxFrameBytes int
	WriteTimeout  time.Duration
}

func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{
		MaxFrameBytes: cfg.MaxFrameBytes,
		WriteTimeout:  time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
	}
}

// Listener hands out connections until closed.
type Listener interface {
	Accept() (*Conn, error)
	Close() error
	Addr() string
}

// framer moves whole frames over one underlying channel.
type framer interface {
	readFrame() (protocol.Frame, error)
	writeFrame(f protocol.Frame, deadline time.Time) error
	close() error
	remoteAddr() string
}

// Conn is one plugin client connection. Reads happen from a single goroutine;
// writes may come from any number of sessions and are serialized.
type Conn struct {
	f       framer
	opts    Options
	kind    string
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(f framer, kind string, opts Options) *Conn {
	return &Conn{f: f, kind: kind, opts: opts}
}

func (c *Conn) RemoteAddr() string { return c.f.remoteAddr() }

// Kind names the listener type the connection came from.
func (c *Conn) Kind() string { return c.kind }

// ReadRequest returns the next request and the session id it was sent under.
// Frame-level problems and peer disconnects are reported as MalformedMessage
// and ConnectionClosed respectively and end the connection. A body that fails
// to decode is reported wrapped in ErrBadRequest with its session id.
func (c *Conn) ReadRequest() (uint64, protocol.Request, error) {
	frame, err := c.f.readFrame()
	if err != nil {
		if isDisconnect(err) {
			return 0, protocol.Request{}, errcode.Wrap(errcode.ConnectionClosed, err, "peer disconnected")
		}
		return 0, protocol.Request{}, errcode.Wrap(errcode.MalformedMessage, err, "read frame")
	}
	if frame.Kind != protocol.KindRequest {
		return frame.SessionID, protocol.Request{}, errcode.Newf(errcode.MalformedMessage, "unexpected %s frame from client", frame.Kind)
	}
	var req protocol.Request
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		return frame.SessionID, req, fmt.Errorf("%w: %w", ErrBadRequest, errcode.Wrap(errcode.MalformedMessage, err, "decode request"))
	}
	if req.Op == "" {
		return frame.SessionID, req, fmt.Errorf("%w: %w", ErrBadRequest, errcode.New(errcode.MalformedMessage, "request has no op"))
	}
	return frame.SessionID, req, nil
}

func (c *Conn) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var deadline time.Time
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if err := c.f.writeFrame(f, deadline); err != nil {
		return errcode.Wrap(errcode.ConnectionClosed, err, fmt.Sprintf("write %s frame", f.Kind))
	}
	return nil
}

func (c *Conn) WriteChunk(sessionID uint64, seq uint32, audio []byte) error {
	return c.write(protocol.Frame{Kind: protocol.KindChunk, SessionID: sessionID, Body: protocol.ChunkBody(seq, audio)})
}

func (c *Conn) WriteEvent(sessionID uint64, ev protocol.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.write(protocol.Frame{Kind: protocol.KindEvent, SessionID: sessionID, Body: body})
}

func (c *Conn) WriteCompletion(sessionID uint64, completion protocol.Completion) error {
	body, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	return c.write(protocol.Frame{Kind: protocol.KindCompletion, SessionID: sessionID, Body: body})
}

// WriteError sends a failed completion carrying err's code and message.
func (c *Conn) WriteError(sessionID uint64, err error) error {
	return c.WriteCompletion(sessionID, protocol.Completion{
		Status:  protocol.StatusFailed,
		Code:    errcode.Of(err),
		Message: errcode.Message(err),
	})
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.f.close()
	})
	return c.closeErr
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET)
}
