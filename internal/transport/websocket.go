package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// WebSocketPath is where the WebSocket listener accepts upgrades.
const WebSocketPath = "/v1/bridge"

// WebSocketListener accepts plugin connections over WebSocket, one binary
// message per frame.
type WebSocketListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger

	conns     chan *Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func ListenWebSocket(bind string, opts Options, log *slog.Logger) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", bind, err)
	}
	l := &WebSocketListener{
		ln:   ln,
		opts: opts,
		log:  log.With(slog.String("component", "transport"), slog.String("network", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Plugin shims are local processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(chan *Conn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("websocket server failed", slog.String("error", err.Error()))
		}
	}()
	l.log.Info("transport listening", slog.String("addr", ln.Addr().String()), slog.String("path", WebSocketPath))
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	if l.opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(int64(l.opts.MaxFrameBytes) + 4)
	}
	conn := newConn(&wsFramer{ws: ws, max: l.opts.MaxFrameBytes}, "websocket", l.opts)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept() (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

func (l *WebSocketListener) Addr() string {
	return l.ln.Addr().String()
}

type wsFramer struct {
	ws  *websocket.Conn
	max int
}

func (w *wsFramer) readFrame() (protocol.Frame, error) {
	kind, data, err := w.ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.Frame{}, fmt.Errorf("%w: %v", io.EOF, err)
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return protocol.Frame{}, fmt.Errorf("%w: %v", protocol.ErrFrameTooLarge, err)
		}
		return protocol.Frame{}, err
	}
	if kind != websocket.BinaryMessage {
		return protocol.Frame{}, fmt.Errorf("websocket message type %d is not binary", kind)
	}
	return protocol.Decode(data, w.max)
}

func (w *wsFramer) writeFrame(f protocol.Frame, deadline time.Time) error {
	if err := w.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(f))
}

func (w *wsFramer) close() error {
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.ws.Close()
}

func (w *wsFramer) remoteAddr() string { return w.ws.RemoteAddr().String() }
