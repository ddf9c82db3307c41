// Package protocol implements the length-framed wire format spoken between
// the in-host plugin shim and the bridge.
//
// Every frame is laid out big-endian as
//
//	u32 length | u8 kind | u64 session id | body
//
// where length covers kind, session id and body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the payload carried by a frame.
type Kind uint8

const (
	KindRequest    Kind = 1
	KindChunk      Kind = 2
	KindEvent      Kind = 3
	KindCompletion Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindChunk:
		return "chunk"
	case KindEvent:
		return "event"
	case KindCompletion:
		return "completion"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	lengthSize = 4
	prefixSize = 1 + 8
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrTruncated     = errors.New("frame truncated")
	ErrUnknownKind   = errors.New("unknown frame kind")
)

type Frame struct {
	Kind      Kind
	SessionID uint64
	Body      []byte
}

// Encode renders f including its length prefix.
func Encode(f Frame) []byte {
	buf := make([]byte, lengthSize+prefixSize+len(f.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(prefixSize+len(f.Body)))
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint64(buf[5:13], f.SessionID)
	copy(buf[13:], f.Body)
	return buf
}

// Decode parses one complete frame, as delivered by message-oriented
// transports. Trailing bytes are rejected.
func Decode(data []byte, maxFrame int) (Frame, error) {
	if len(data) < lengthSize {
		return Frame{}, ErrTruncated
	}
	length := binary.BigEndian.Uint32(data[:lengthSize])
	if err := checkLength(length, maxFrame); err != nil {
		return Frame{}, err
	}
	rest := data[lengthSize:]
	if uint32(len(rest)) < length {
		return Frame{}, ErrTruncated
	}
	if uint32(len(rest)) > length {
		return Frame{}, fmt.Errorf("%d trailing bytes after frame", uint32(len(rest))-length)
	}
	return parseBody(rest)
}

// ReadFrame reads one frame from a byte stream. It returns io.EOF only when
// the stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, maxFrame int) (Frame, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if err := checkLength(length, maxFrame); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return parseBody(payload)
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

func checkLength(length uint32, maxFrame int) error {
	if length < prefixSize {
		return ErrTruncated
	}
	if maxFrame > 0 && int64(length) > int64(maxFrame) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, length, maxFrame)
	}
	return nil
}

func parseBody(payload []byte) (Frame, error) {
	kind := Kind(payload[0])
	switch kind {
	case KindRequest, KindChunk, KindEvent, KindCompletion:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, payload[0])
	}
	return Frame{
		Kind:      kind,
		SessionID: binary.BigEndian.Uint64(payload[1:9]),
		Body:      payload[9:],
	}, nil
}

// ChunkBody prefixes audio with its sequence number.
func ChunkBody(seq uint32, audio []byte) []byte {
	body := make([]byte, 4+len(audio))
	binary.BigEndian.PutUint32(body[:4], seq)
	copy(body[4:], audio)
	return body
}

// ParseChunk splits a chunk body into sequence number and audio bytes.
func ParseChunk(body []byte) (uint32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(body[:4]), body[4:], nil
}
