package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// StreamListener accepts byte-stream connections on a unix socket or a TCP
// address.
type StreamListener struct {
	ln      net.Listener
	network string
	opts    Options
	log     *slog.Logger
}

func ListenStream(network, address string, opts Options, log *slog.Logger) (*StreamListener, error) {
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0o660); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	log = log.With(slog.String("component", "transport"), slog.String("network", network))
	log.Info("transport listening", slog.String("addr", ln.Addr().String()))
	return &StreamListener{ln: ln, network: network, opts: opts, log: log}, nil
}

// removeStaleSocket deletes a socket file left behind by an earlier process.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if c, err := net.Dial("unix", path); err == nil {
		_ = c.Close()
		return fmt.Errorf("socket %s is in use by another process", path)
	}
	return os.Remove(path)
}

func (l *StreamListener) Accept() (*Conn, error) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Warn("transient accept error", slog.String("error", err.Error()))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		return newConn(&streamFramer{conn: c, r: bufio.NewReader(c), max: l.opts.MaxFrameBytes}, l.network, l.opts), nil
	}
}

func (l *StreamListener) Close() error {
	return l.ln.Close()
}

func (l *StreamListener) Addr() string {
	return l.ln.Addr().String()
}

type streamFramer struct {
	conn net.Conn
	r    *bufio.Reader
	max  int
}

func (s *streamFramer) readFrame() (protocol.Frame, error) {
	return protocol.ReadFrame(s.r, s.max)
}

func (s *streamFramer) writeFrame(f protocol.Frame, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return protocol.WriteFrame(s.conn, f)
}

func (s *streamFramer) close() error       { return s.conn.Close() }
func (s *streamFramer) remoteAddr() string { return s.conn.RemoteAddr().String() }
