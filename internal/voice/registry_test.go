package voice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-bridge/internal/errcode"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memPersister struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemPersister(records ...Record) *memPersister {
	p := &memPersister{records: map[string]Record{}}
	for _, r := range records {
		p.records[r.Token] = r
	}
	return p
}

func (p *memPersister) LoadVoices(context.Context) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (p *memPersister) InsertVoice(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.Token]; ok {
		return errcode.New(errcode.DuplicateToken, rec.Token)
	}
	p.records[rec.Token] = rec.Clone()
	return nil
}

func (p *memPersister) UpdateVoice(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.Token]; !ok {
		return errcode.New(errcode.UnknownVoice, rec.Token)
	}
	p.records[rec.Token] = rec.Clone()
	return nil
}

func (p *memPersister) DeleteVoice(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[token]; !ok {
		return errcode.New(errcode.UnknownVoice, token)
	}
	delete(p.records, token)
	return nil
}

func TestRegisterResolveUnregister(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(ctx, newMemPersister(), newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err := reg.Resolve("T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice before registration, got %v", err)
	}

	rec := Record{Token: "T1", Name: "First", Module: "mock", Class: "C", SearchPaths: []string{"/a"}}
	if err := reg.Register(ctx, rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := reg.Resolve("T1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Equal(rec) {
		t.Fatalf("expected %+v, got %+v", rec, got)
	}

	if err := reg.Register(ctx, Record{Token: "T1", Module: "mock"}); !errcode.Has(err, errcode.DuplicateToken) {
		t.Fatalf("expected DuplicateToken, got %v", err)
	}

	if err := reg.Unregister(ctx, "T1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := reg.Resolve("T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice after unregistration, got %v", err)
	}
	if err := reg.Unregister(ctx, "T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice on second unregister, got %v", err)
	}
}

func TestReplaceRequiresExisting(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(ctx, newMemPersister(), newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Replace(ctx, Record{Token: "T2", Module: "mock"}); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice, got %v", err)
	}
	if err := reg.Register(ctx, Record{Token: "T2", Module: "mock", Class: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Replace(ctx, Record{Token: "T2", Module: "mock", Class: "b"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ := reg.Resolve("T2")
	if got.Class != "b" {
		t.Fatalf("expected last registered record, got class %q", got.Class)
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(ctx, newMemPersister(Record{Token: "T", Module: "mock", Config: map[string]string{"k": "v"}}), newLogger())
	rec, err := reg.Resolve("T")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec.Config["k"] = "mutated"
	again, _ := reg.Resolve("T")
	if again.Config["k"] != "v" {
		t.Fatalf("snapshot was mutated through a resolved record")
	}
}

func TestChangeListeners(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(ctx, newMemPersister(), newLogger())
	var changes []Change
	reg.OnChange(func(c Change) { changes = append(changes, c) })

	_ = reg.Register(ctx, Record{Token: "A", Module: "mock"})
	_ = reg.Replace(ctx, Record{Token: "A", Module: "exec"})
	_ = reg.Unregister(ctx, "A")

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	want := []Action{ActionRegistered, ActionReplaced, ActionUnregistered}
	for i, c := range changes {
		if c.Action != want[i] || c.Token != "A" {
			t.Fatalf("change %d: expected %s A, got %s %s", i, want[i], c.Action, c.Token)
		}
	}
}

func TestReloadNotifiesExternalMutations(t *testing.T) {
	ctx := context.Background()
	store := newMemPersister(Record{Token: "A", Module: "mock"}, Record{Token: "B", Module: "mock"})
	reg, _ := NewRegistry(ctx, store, newLogger())
	var changes []Change
	reg.OnChange(func(c Change) { changes = append(changes, c) })

	_ = store.DeleteVoice(ctx, "A")
	_ = store.UpdateVoice(ctx, Record{Token: "B", Module: "exec"})
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 voice after reload, got %d", reg.Len())
	}
	seen := map[string]Action{}
	for _, c := range changes {
		seen[c.Token] = c.Action
	}
	if seen["A"] != ActionUnregistered || seen["B"] != ActionReplaced {
		t.Fatalf("unexpected reload changes %v", seen)
	}
}

func TestSeedKeepsStoredRecords(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewRegistry(ctx, newMemPersister(Record{Token: "A", Module: "exec"}), newLogger())
	added, err := reg.Seed(ctx, []Record{{Token: "A", Module: "mock"}, {Token: "B", Module: "mock"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 seeded voice, got %d", added)
	}
	a, _ := reg.Resolve("A")
	if a.Module != "exec" {
		t.Fatalf("seed must not overwrite stored record")
	}
	if list := reg.List(); len(list) != 2 || list[0].Token != "A" {
		t.Fatalf("expected sorted list of 2, got %+v", list)
	}
}
