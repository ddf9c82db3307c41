// Package voice maps stable voice tokens to the metadata needed to select and
// construct a synthesis backend.
package voice

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Record is one registered voice.
type Record struct {
	Token       string            `json:"token" yaml:"token"`
	Name        string            `json:"name" yaml:"name"`
	Vendor      string            `json:"vendor,omitempty" yaml:"vendor"`
	Module      string            `json:"module" yaml:"module"`
	Class       string            `json:"class,omitempty" yaml:"class"`
	Language    string            `json:"language,omitempty" yaml:"language"`
	Gender      string            `json:"gender,omitempty" yaml:"gender"`
	SearchPaths []string          `json:"search_paths,omitempty" yaml:"search_paths"`
	Config      map[string]string `json:"config,omitempty" yaml:"config"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty" yaml:"-"`
}

var ErrInvalidRecord = errors.New("invalid voice record")

// Validate checks the fields required to route synthesis to a backend.
func (r Record) Validate() error {
	if r.Token == "" {
		return fmt.Errorf("%w: token must not be empty", ErrInvalidRecord)
	}
	if r.Module == "" {
		return fmt.Errorf("%w: module must not be empty for %s", ErrInvalidRecord, r.Token)
	}
	return nil
}

// Clone returns a deep copy so callers may not alias snapshot state.
func (r Record) Clone() Record {
	r.SearchPaths = slices.Clone(r.SearchPaths)
	r.Config = maps.Clone(r.Config)
	return r
}

// Equal compares every field except UpdatedAt.
func (r Record) Equal(o Record) bool {
	return r.Token == o.Token &&
		r.Name == o.Name &&
		r.Vendor == o.Vendor &&
		r.Module == o.Module &&
		r.Class == o.Class &&
		r.Language == o.Language &&
		r.Gender == o.Gender &&
		slices.Equal(r.SearchPaths, o.SearchPaths) &&
		maps.Equal(r.Config, o.Config)
}

// ConfigValue returns the configuration value for key, or def when unset.
func (r Record) ConfigValue(key, def string) string {
	if v, ok := r.Config[key]; ok && v != "" {
		return v
	}
	return def
}
