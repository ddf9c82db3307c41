package protocol

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/capability"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
)

// Request is the JSON body of a request frame.
type Request struct {
	Op     capability.Op `json:"op"`
	Voice  string        `json:"voice,omitempty"`
	Text   string        `json:"text,omitempty"`
	Format *audio.Format `json:"format,omitempty"`
	// Target is the session id a cancel refers to.
	Target uint64 `json:"target,omitempty"`
	// Module filters list_voices by backend module.
	Module string `json:"module,omitempty"`
}

// Event is the JSON body of an event frame.
type Event struct {
	Kind       string `json:"kind"`
	OffsetMS   int64  `json:"offset_ms"`
	TextOffset int    `json:"text_offset"`
	TextLength int    `json:"text_length"`
	Text       string `json:"text,omitempty"`
}

type Status string

const (
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
	StatusNotSupported Status = "not_supported"
)

// Completion is the JSON body of the single completion frame each session id
// receives.
type Completion struct {
	Status  Status          `json:"status"`
	Code    errcode.Code    `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// SynthesisResult summarizes a completed synthesize stream.
type SynthesisResult struct {
	Chunks     int   `json:"chunks"`
	Bytes      int64 `json:"bytes"`
	Events     int   `json:"events"`
	DurationMS int64 `json:"duration_ms"`
}

// VoiceInfo is one entry of a list_voices result.
type VoiceInfo struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Vendor   string `json:"vendor,omitempty"`
	Module   string `json:"module"`
	Class    string `json:"class,omitempty"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// BackendInfo is one entry of a list_backends result.
type BackendInfo struct {
	Name      string           `json:"name"`
	Encodings []audio.Encoding `json:"encodings"`
	Events    bool             `json:"events"`
}

// Bus subjects.
const (
	SubjectSessionDone   = "bridge.session.done"
	SubjectVoicesChanged = "bridge.voices.changed"
)

// SessionStatus is published on SubjectSessionDone when a session ends.
type SessionStatus struct {
	SessionID  string       `json:"session_id"`
	WireID     uint64       `json:"wire_id"`
	Voice      string       `json:"voice"`
	Status     Status       `json:"status"`
	Code       errcode.Code `json:"code,omitempty"`
	Chunks     int          `json:"chunks"`
	DurationMS int64        `json:"duration_ms"`
	Timestamp  time.Time    `json:"timestamp"`
}

// VoicesChanged is published by admin tooling after mutating the registry.
type VoicesChanged struct {
	Token     string    `json:"token,omitempty"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus synthesis subjects. Audio for a request is published on
// SubjectTTSAudio + request id.
const (
	SubjectTTSRequest = "bridge.tts.request"
	SubjectTTSCancel  = "bridge.tts.cancel"
	SubjectTTSAudio   = "bridge.tts.audio."
	SubjectTTSDone    = "bridge.tts.done"
)

// TTSRequest asks the bridge to synthesize over the bus instead of a plugin
// connection.
type TTSRequest struct {
	RequestID string        `json:"request_id"`
	Voice     string        `json:"voice"`
	Text      string        `json:"text"`
	Format    *audio.Format `json:"format,omitempty"`
}

// TTSCancel stops a bus synthesis request.
type TTSCancel struct {
	RequestID string `json:"request_id"`
}

// TTSChunk carries either one audio chunk or one event of a bus request.
type TTSChunk struct {
	RequestID string `json:"request_id"`
	Sequence  uint32 `json:"sequence"`
	Audio     []byte `json:"audio,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// TTSDone is the single completion of a bus request.
type TTSDone struct {
	RequestID  string     `json:"request_id"`
	Completion Completion `json:"completion"`
	Timestamp  time.Time  `json:"timestamp"`
}
