package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

// mockSynth produces a deterministic tone. Its behaviour is driven by the
// voice record's config:
//
//	chunks          number of audio chunks per request (default 3)
//	chunk_ms        audio duration per chunk (default 100)
//	chunk_delay_ms  pause before each chunk
//	init_delay_ms   construction delay, simulating a cold start
//	fail_init       "true" makes construction fail
//	fail_after      chunk index after which synthesis fails
//	panic_after     chunk index after which synthesis panics
//	fatal           "true" marks injected failures as fatal
//	audio_delay_ms  delay between a word event and its audio chunk
//	events          "false" disables word events
//	cooperative     "false" ignores stop requests
type mockSynth struct {
	chunks      int
	chunkMS     int
	chunkDelay  time.Duration
	audioDelay  time.Duration
	failAfter   int
	panicAfter  int
	fatal       bool
	events      bool
	cooperative bool
}

// MockFamily returns the family of deterministic test engines.
func MockFamily() Family {
	return Family{
		Name:      "mock",
		Encodings: []audio.Encoding{audio.EncodingPCM},
		Events:    true,
		EventsFor: mockEvents,
		New:       NewMockSynth,
	}
}

func mockEvents(rec voice.Record) bool {
	return rec.ConfigValue("events", "true") != "false"
}

func NewMockSynth(ctx context.Context, rec voice.Record) (Adapter, error) {
	intValue := func(key string, def int) (int, error) {
		raw := rec.ConfigValue(key, "")
		if raw == "" {
			return def, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("mock config %s: %w", key, err)
		}
		return v, nil
	}
	m := &mockSynth{
		events:      mockEvents(rec),
		cooperative: rec.ConfigValue("cooperative", "true") != "false",
		fatal:       rec.ConfigValue("fatal", "") == "true",
	}
	var err error
	if m.chunks, err = intValue("chunks", 3); err != nil {
		return nil, err
	}
	if m.chunkMS, err = intValue("chunk_ms", 100); err != nil {
		return nil, err
	}
	delayMS, err := intValue("chunk_delay_ms", 0)
	if err != nil {
		return nil, err
	}
	m.chunkDelay = time.Duration(delayMS) * time.Millisecond
	audioDelayMS, err := intValue("audio_delay_ms", 0)
	if err != nil {
		return nil, err
	}
	m.audioDelay = time.Duration(audioDelayMS) * time.Millisecond
	if m.failAfter, err = intValue("fail_after", -1); err != nil {
		return nil, err
	}
	if m.panicAfter, err = intValue("panic_after", -1); err != nil {
		return nil, err
	}
	initDelay, err := intValue("init_delay_ms", 0)
	if err != nil {
		return nil, err
	}
	if initDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(initDelay) * time.Millisecond):
		}
	}
	if rec.ConfigValue("fail_init", "") == "true" {
		return nil, errors.New("mock engine refused to start")
	}
	return m, nil
}

func (m *mockSynth) SupportsEvents() bool { return m.events }

func (m *mockSynth) Close() error { return nil }

func (m *mockSynth) Synthesize(ctx context.Context, req Request, emit Emit) error {
	words := strings.Fields(req.Text)
	wordOffsets := fieldOffsets(req.Text)
	stopped := false

	for i := 0; i < m.chunks; i++ {
		if m.chunkDelay > 0 {
			if m.cooperative {
				select {
				case <-ctx.Done():
					return ErrStopped
				case <-time.After(m.chunkDelay):
				}
			} else {
				time.Sleep(m.chunkDelay)
			}
		}

		if m.events && i < len(words) {
			evt := &Event{
				Kind:       EventWord,
				OffsetMS:   int64(i * m.chunkMS),
				TextOffset: wordOffsets[i],
				TextLength: len(words[i]),
				Text:       words[i],
			}
			if err := emit(Item{Event: evt}); err != nil {
				if m.cooperative {
					return err
				}
				stopped = true
			}
		}

		if m.audioDelay > 0 {
			select {
			case <-ctx.Done():
				return ErrStopped
			case <-time.After(m.audioDelay):
			}
		}

		if err := emit(Item{Audio: tone(req.Format, m.chunkMS, i)}); err != nil {
			if m.cooperative {
				return err
			}
			stopped = true
		}

		if i == m.panicAfter {
			panic(fmt.Sprintf("mock engine crashed after chunk %d", i))
		}
		if i == m.failAfter {
			err := fmt.Errorf("mock engine failed after chunk %d", i)
			if m.fatal {
				return Fatal(err)
			}
			return err
		}
	}
	if stopped {
		return ErrStopped
	}
	return nil
}

// tone renders durationMS of a 440 Hz sine as 16-bit little-endian PCM.
func tone(f audio.Format, durationMS, chunk int) []byte {
	f = f.Normalize()
	frames := f.SampleRate * durationMS / 1000
	out := make([]byte, frames*f.Channels*2)
	start := chunk * frames
	for n := 0; n < frames; n++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(start+n)/float64(f.SampleRate)))
		for c := 0; c < f.Channels; c++ {
			binary.LittleEndian.PutUint16(out[(n*f.Channels+c)*2:], uint16(v))
		}
	}
	return out
}

// fieldOffsets returns the byte offset of each whitespace-separated word.
func fieldOffsets(text string) []int {
	var offsets []int
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			offsets = append(offsets, i)
		}
		inWord = !space
	}
	return offsets
}
