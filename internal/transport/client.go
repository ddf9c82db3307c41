package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// Client is the plugin side of a bridge connection. It is used by voicectl
// and by tests; the in-host shim implements the same framing.
type Client struct {
	f      framer
	nextID atomic.Uint64
	mu     sync.Mutex
}

// Dial connects to a bridge. network is "unix", "tcp" or "websocket"; for
// websocket, address is a ws:// URL.
func Dial(ctx context.Context, network, address string, maxFrame int) (*Client, error) {
	if network == "websocket" {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return &Client{f: &wsFramer{ws: ws, max: maxFrame}}, nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return &Client{f: &streamFramer{conn: c, r: bufio.NewReader(c), max: maxFrame}}, nil
}

// Send issues req under a fresh session id.
func (c *Client) Send(req protocol.Request) (uint64, error) {
	id := c.nextID.Add(1)
	return id, c.SendAs(id, req)
}

func (c *Client) SendAs(id uint64, req protocol.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.SendFrame(protocol.Frame{Kind: protocol.KindRequest, SessionID: id, Body: body})
}

func (c *Client) SendFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.writeFrame(f, time.Time{})
}

// Next blocks for the next frame from the bridge.
func (c *Client) Next() (protocol.Frame, error) {
	return c.f.readFrame()
}

// Handlers receive the streamed output of Await.
type Handlers struct {
	Chunk func(seq uint32, audio []byte)
	Event func(ev protocol.Event)
}

// Await reads frames until the completion for id arrives. Frames for other
// sessions are dropped.
func (c *Client) Await(id uint64, h Handlers) (protocol.Completion, error) {
	for {
		f, err := c.Next()
		if err != nil {
			return protocol.Completion{}, err
		}
		if f.SessionID != id {
			continue
		}
		switch f.Kind {
		case protocol.KindChunk:
			seq, data, err := protocol.ParseChunk(f.Body)
			if err != nil {
				return protocol.Completion{}, err
			}
			if h.Chunk != nil {
				h.Chunk(seq, data)
			}
		case protocol.KindEvent:
			var ev protocol.Event
			if err := json.Unmarshal(f.Body, &ev); err != nil {
				return protocol.Completion{}, fmt.Errorf("decode event: %w", err)
			}
			if h.Event != nil {
				h.Event(ev)
			}
		case protocol.KindCompletion:
			var done protocol.Completion
			if err := json.Unmarshal(f.Body, &done); err != nil {
				return protocol.Completion{}, fmt.Errorf("decode completion: %w", err)
			}
			return done, nil
		}
	}
}

// Call sends req and waits for its completion.
func (c *Client) Call(req protocol.Request, h Handlers) (protocol.Completion, error) {
	id, err := c.Send(req)
	if err != nil {
		return protocol.Completion{}, err
	}
	return c.Await(id, h)
}

func (c *Client) Close() error {
	return c.f.close()
}
