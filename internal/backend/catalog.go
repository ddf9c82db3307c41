package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

// Constructor builds a fresh adapter for a voice record. This is the cold
// start the pool amortizes.
type Constructor func(ctx context.Context, rec voice.Record) (Adapter, error)

// Family is one kind of backend, selected by a record's module.
type Family struct {
	Name string
	// Encodings lists what the family produces natively.
	Encodings []audio.Encoding
	// SampleRates restricts pcm and wav output; empty means any rate.
	SampleRates []int
	// Events reports whether any voice of the family can stream word
	// events. EventsFor narrows it per record; it must agree with the
	// SupportsEvents of the adapter built from that record.
	Events    bool
	EventsFor func(rec voice.Record) bool
	New       Constructor
}

// VoiceEvents reports whether adapters built from rec stream word events.
func (f Family) VoiceEvents(rec voice.Record) bool {
	if !f.Events {
		return false
	}
	return f.EventsFor == nil || f.EventsFor(rec)
}

// Negotiate returns the format the adapter must be asked for to satisfy the
// requested one, and whether the session has to prepend a streaming WAV
// header because the family only produces raw PCM.
func (f Family) Negotiate(requested audio.Format) (audio.Format, bool, error) {
	requested = requested.Normalize()
	if err := requested.Validate(); err != nil {
		return audio.Format{}, false, errcode.Wrap(errcode.UnsupportedFormat, err, "invalid audio format")
	}
	if requested.Encoding != audio.EncodingMP3 && len(f.SampleRates) > 0 && !slices.Contains(f.SampleRates, requested.SampleRate) {
		return audio.Format{}, false, errcode.Newf(errcode.UnsupportedFormat,
			"%s backends do not produce %d Hz audio", f.Name, requested.SampleRate)
	}
	if slices.Contains(f.Encodings, requested.Encoding) {
		return requested, false, nil
	}
	if requested.Encoding == audio.EncodingWAV && slices.Contains(f.Encodings, audio.EncodingPCM) {
		native := requested
		native.Encoding = audio.EncodingPCM
		return native, true, nil
	}
	return audio.Format{}, false, errcode.Newf(errcode.UnsupportedFormat,
		"%s backends do not produce %s audio", f.Name, requested.Encoding)
}

// Offers reports the encodings a client may request, including wav
// containers synthesized around native pcm.
func (f Family) Offers() []audio.Encoding {
	out := slices.Clone(f.Encodings)
	if slices.Contains(out, audio.EncodingPCM) && !slices.Contains(out, audio.EncodingWAV) {
		out = append(out, audio.EncodingWAV)
	}
	return out
}

// Catalog maps backend module identifiers to families.
type Catalog struct {
	mu       sync.RWMutex
	families map[string]Family
}

func NewCatalog() *Catalog {
	return &Catalog{families: make(map[string]Family)}
}

func (c *Catalog) Register(f Family) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.families[f.Name] = f
}

// Lookup fails with UnsupportedVoice when no family serves module.
func (c *Catalog) Lookup(module string) (Family, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.families[module]
	if !ok {
		return Family{}, errcode.Newf(errcode.UnsupportedVoice, "no backend family %q is available", module)
	}
	return f, nil
}

// Families returns the registered families sorted by name.
func (c *Catalog) Families() []Family {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Family, 0, len(c.families))
	for _, f := range c.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build resolves the record's family and constructs an adapter. Construction
// failures are reported as BackendInitError.
func (c *Catalog) Build(ctx context.Context, rec voice.Record) (Adapter, error) {
	f, err := c.Lookup(rec.Module)
	if err != nil {
		return nil, err
	}
	adapter, err := f.New(ctx, rec)
	if err != nil {
		var coded *errcode.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, errcode.Wrap(errcode.BackendInitError, err, fmt.Sprintf("initialize %s backend for %s", rec.Module, rec.Token))
	}
	return adapter, nil
}
