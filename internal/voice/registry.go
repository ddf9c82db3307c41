package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-bridge/internal/errcode"
)

// Persister stores voice records. Insert must fail with DuplicateToken when
// the token exists; Update and Delete must fail with UnknownVoice when it
// does not.
type Persister interface {
	LoadVoices(ctx context.Context) ([]Record, error)
	InsertVoice(ctx context.Context, rec Record) error
	UpdateVoice(ctx context.Context, rec Record) error
	DeleteVoice(ctx context.Context, token string) error
}

type Action string

const (
	ActionRegistered   Action = "registered"
	ActionReplaced     Action = "replaced"
	ActionUnregistered Action = "unregistered"
)

// Change describes one registry mutation delivered to listeners after it has
// been persisted and published.
type Change struct {
	Action Action
	Token  string
	Record Record
}

type snapshot struct {
	records map[string]Record
}

// Registry serves lock-free resolution from an immutable snapshot while
// mutations are serialized and persisted before the snapshot is swapped.
type Registry struct {
	store Persister
	log   *slog.Logger

	mu        sync.Mutex
	listeners []func(Change)

	snap atomic.Pointer[snapshot]
}

func NewRegistry(ctx context.Context, store Persister, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		store: store,
		log:   log.With(slog.String("component", "voice-registry")),
	}
	r.snap.Store(&snapshot{records: map[string]Record{}})
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// OnChange registers fn to be called after every mutation.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Resolve(token string) (Record, error) {
	rec, ok := r.snap.Load().records[token]
	if !ok {
		return Record{}, errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
	}
	return rec.Clone(), nil
}

// List returns all records sorted by token.
func (r *Registry) List() []Record {
	records := r.snap.Load().records
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (r *Registry) Len() int {
	return len(r.snap.Load().records)
}

func (r *Registry) Register(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snap.Load().records[rec.Token]; exists {
		return errcode.Newf(errcode.DuplicateToken, "voice %q is already registered", rec.Token)
	}
	if err := r.store.InsertVoice(ctx, rec); err != nil {
		return fmt.Errorf("persist voice %s: %w", rec.Token, err)
	}
	r.publishLocked(func(m map[string]Record) { m[rec.Token] = rec.Clone() })
	r.notifyLocked(Change{Action: ActionRegistered, Token: rec.Token, Record: rec.Clone()})
	r.log.Info("voice registered", slog.String("token", rec.Token), slog.String("module", rec.Module))
	return nil
}

func (r *Registry) Replace(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snap.Load().records[rec.Token]; !exists {
		return errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", rec.Token)
	}
	if err := r.store.UpdateVoice(ctx, rec); err != nil {
		return fmt.Errorf("persist voice %s: %w", rec.Token, err)
	}
	r.publishLocked(func(m map[string]Record) { m[rec.Token] = rec.Clone() })
	r.notifyLocked(Change{Action: ActionReplaced, Token: rec.Token, Record: rec.Clone()})
	r.log.Info("voice replaced", slog.String("token", rec.Token), slog.String("module", rec.Module))
	return nil
}

func (r *Registry) Unregister(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, exists := r.snap.Load().records[token]
	if !exists {
		return errcode.Newf(errcode.UnknownVoice, "voice %q is not registered", token)
	}
	if err := r.store.DeleteVoice(ctx, token); err != nil {
		return fmt.Errorf("delete voice %s: %w", token, err)
	}
	r.publishLocked(func(m map[string]Record) { delete(m, token) })
	r.notifyLocked(Change{Action: ActionUnregistered, Token: token, Record: old})
	r.log.Info("voice unregistered", slog.String("token", token))
	return nil
}

// Seed registers records that are not yet stored. Stored records always win.
func (r *Registry) Seed(ctx context.Context, records []Record) (int, error) {
	added := 0
	for _, rec := range records {
		if _, exists := r.snap.Load().records[rec.Token]; exists {
			continue
		}
		if err := r.Register(ctx, rec); err != nil {
			if errcode.Has(err, errcode.DuplicateToken) {
				continue
			}
			return added, fmt.Errorf("seed voice %s: %w", rec.Token, err)
		}
		added++
	}
	return added, nil
}

// Reload re-reads the store and notifies listeners about every token whose
// record changed or disappeared.
func (r *Registry) Reload(ctx context.Context) error {
	records, err := r.store.LoadVoices(ctx)
	if err != nil {
		return fmt.Errorf("load voices: %w", err)
	}
	next := make(map[string]Record, len(records))
	for _, rec := range records {
		next[rec.Token] = rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.snap.Load().records
	r.snap.Store(&snapshot{records: next})

	for token, old := range prev {
		cur, ok := next[token]
		switch {
		case !ok:
			r.notifyLocked(Change{Action: ActionUnregistered, Token: token, Record: old})
		case !cur.Equal(old):
			r.notifyLocked(Change{Action: ActionReplaced, Token: token, Record: cur.Clone()})
		}
	}
	for token, cur := range next {
		if _, ok := prev[token]; !ok && len(prev) > 0 {
			r.notifyLocked(Change{Action: ActionRegistered, Token: token, Record: cur.Clone()})
		}
	}
	r.log.Debug("voice registry loaded", slog.Int("voices", len(next)))
	return nil
}

// publishLocked copies the current snapshot, applies mutate and swaps it in.
func (r *Registry) publishLocked(mutate func(map[string]Record)) {
	prev := r.snap.Load().records
	next := make(map[string]Record, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	mutate(next)
	r.snap.Store(&snapshot{records: next})
}

func (r *Registry) notifyLocked(change Change) {
	for _, fn := range r.listeners {
		fn(change)
	}
}
