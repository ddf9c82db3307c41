// Package audio describes requested output formats and wraps raw PCM in WAV
// containers.
package audio

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding names the byte layout of audio payloads on the wire.
type Encoding string

const (
	EncodingPCM Encoding = "pcm" // signed 16-bit little-endian, interleaved
	EncodingWAV Encoding = "wav"
	EncodingMP3 Encoding = "mp3"
)

// Format is the audio format descriptor carried by synthesize requests.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

// Default is used when a request omits its format.
var Default = Format{Encoding: EncodingWAV, SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM data rate for 16-bit samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Normalize fills zero fields from Default.
func (f Format) Normalize() Format {
	if f.Encoding == "" {
		f.Encoding = Default.Encoding
	}
	if f.SampleRate == 0 {
		f.SampleRate = Default.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = Default.Channels
	}
	return f
}

func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingPCM, EncodingWAV, EncodingMP3:
	default:
		return fmt.Errorf("unknown encoding %q", f.Encoding)
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("sample rate %d out of range", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channel count %d out of range", f.Channels)
	}
	return nil
}

func (f Format) String() string {
	khz := f.SampleRate / 1000
	s := fmt.Sprintf("%s%dk", f.Encoding, khz)
	if f.Channels == 2 {
		s += "-stereo"
	}
	return s
}

// Parse accepts shorthand descriptors such as "wav16k", "pcm22k",
// "pcm48k-stereo" or "mp3". Missing parts default to 16 kHz mono.
func Parse(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Default, nil
	}
	f := Format{Channels: 1}
	if rest, ok := strings.CutSuffix(s, "-stereo"); ok {
		f.Channels = 2
		s = rest
	}
	for _, enc := range []Encoding{EncodingPCM, EncodingWAV, EncodingMP3} {
		if rest, ok := strings.CutPrefix(s, string(enc)); ok {
			f.Encoding = enc
			s = rest
			break
		}
	}
	if f.Encoding == "" {
		return Format{}, fmt.Errorf("unknown audio format %q", s)
	}
	if s == "" {
		f.SampleRate = Default.SampleRate
		return f, nil
	}
	khz, ok := strings.CutSuffix(s, "k")
	if !ok {
		return Format{}, fmt.Errorf("sample rate %q must end in k", s)
	}
	rate, err := strconv.ParseFloat(khz, 64)
	if err != nil {
		return Format{}, fmt.Errorf("parse sample rate %q: %w", s, err)
	}
	f.SampleRate = int(rate * 1000)
	// 22k and 44k are the conventional short names for 22.05/44.1 kHz.
	switch f.SampleRate {
	case 22000:
		f.SampleRate = 22050
	case 44000:
		f.SampleRate = 44100
	}
	return f, f.Validate()
}
