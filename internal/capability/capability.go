// Package capability names the operation kinds a plugin client may issue,
// computes the set each voice supports and tracks which bridges advertise
// themselves on the bus.
package capability

import (
	"sort"

	"github.com/loqalabs/loqa-bridge/internal/audio"
)

// Op is an operation kind carried in the "op" field of a request.
type Op string

const (
	OpSynthesize   Op = "synthesize"
	OpCancel       Op = "cancel"
	OpCapabilities Op = "capabilities"
	OpListVoices   Op = "list_voices"
	OpListBackends Op = "list_backends"
	OpPing         Op = "ping"

	// OpWordEvents is advertised, never requested: it tells the client that
	// synthesize streams will carry word-boundary events.
	OpWordEvents Op = "word_events"
)

// Known reports whether op is dispatchable by the bridge.
func Known(op Op) bool {
	switch op {
	case OpSynthesize, OpCancel, OpCapabilities, OpListVoices, OpListBackends, OpPing:
		return true
	}
	return false
}

// Set is an unordered set of operation kinds.
type Set map[Op]struct{}

func NewSet(ops ...Op) Set {
	s := make(Set, len(ops))
	for _, op := range ops {
		s[op] = struct{}{}
	}
	return s
}

func (s Set) Has(op Op) bool {
	_, ok := s[op]
	return ok
}

// List returns the members sorted by name.
func (s Set) List() []Op {
	out := make([]Op, 0, len(s))
	for op := range s {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Voice describes what a single registered voice can do.
type Voice struct {
	Token      string           `json:"token"`
	Module     string           `json:"module"`
	Operations []Op             `json:"operations"`
	Encodings  []audio.Encoding `json:"encodings"`
}

// ForVoice builds the capability set of a voice backed by a family producing
// the given encodings, with or without word events.
func ForVoice(token, module string, encodings []audio.Encoding, events bool) Voice {
	set := NewSet(OpSynthesize, OpCancel, OpCapabilities)
	if events {
		set[OpWordEvents] = struct{}{}
	}
	encs := append([]audio.Encoding(nil), encodings...)
	sort.Slice(encs, func(i, j int) bool { return encs[i] < encs[j] })
	return Voice{
		Token:      token,
		Module:     module,
		Operations: set.List(),
		Encodings:  encs,
	}
}
