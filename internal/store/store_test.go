package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "bridge.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVoiceCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	rec := voice.Record{
		Token:       "T1",
		Name:        "Anna",
		Vendor:      "Acme",
		Module:      "exec",
		Class:       "anna-v2",
		Language:    "en-US",
		SearchPaths: []string{"/opt/acme/bin", "/usr/local/acme"},
		Config:      map[string]string{"command": "acme-tts --stdin"},
	}
	if err := s.InsertVoice(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertVoice(ctx, rec); !errcode.Has(err, errcode.DuplicateToken) {
		t.Fatalf("expected DuplicateToken, got %v", err)
	}

	got, err := s.GetVoice(ctx, "T1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(rec) {
		t.Fatalf("expected %+v, got %+v", rec, got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be stamped")
	}

	rec.Class = "anna-v3"
	if err := s.UpdateVoice(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateVoice(ctx, voice.Record{Token: "missing", Module: "mock"}); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice on update, got %v", err)
	}

	list, err := s.LoadVoices(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 1 || list[0].Class != "anna-v3" {
		t.Fatalf("unexpected voices %+v", list)
	}

	if err := s.DeleteVoice(ctx, "T1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteVoice(ctx, "T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice on second delete, got %v", err)
	}
	if _, err := s.GetVoice(ctx, "T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice after delete, got %v", err)
	}
}

func TestVoicesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")
	cfg := config.StoreConfig{Path: path, RetentionMode: "persistent"}

	first, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.InsertVoice(ctx, voice.Record{Token: "T1", Module: "mock"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second := openTemp(t, cfg)
	list, err := second.LoadVoices(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 1 || list[0].Token != "T1" {
		t.Fatalf("expected persisted voice, got %+v", list)
	}
}

func TestEphemeralVoices(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.InsertVoice(ctx, voice.Record{Token: "T1", Module: "mock"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertVoice(ctx, voice.Record{Token: "T1", Module: "mock"}); !errcode.Has(err, errcode.DuplicateToken) {
		t.Fatalf("expected DuplicateToken, got %v", err)
	}
	if err := s.BeginSession(ctx, "s", 1, "T1"); err != nil {
		t.Fatalf("expected audit to be a no-op, got %v", err)
	}
	list, _ := s.LoadVoices(ctx)
	if len(list) != 1 {
		t.Fatalf("expected 1 in-memory voice, got %d", len(list))
	}
}

func TestSessionAudit(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})

	if err := s.BeginSession(ctx, "sess-1", 7, "T1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, step := range []string{"acquired", "first_chunk", "completed"} {
		if err := s.AppendSessionEvent(ctx, "sess-1", step, ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.FinishSession(ctx, "sess-1", "completed", "", 3); err != nil {
		t.Fatalf("finish: %v", err)
	}

	sess, ok, err := s.GetSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if sess.WireID != 7 || sess.Status != "completed" || sess.Chunks != 3 || sess.FinishedAt.IsZero() {
		t.Fatalf("unexpected session row %+v", sess)
	}
	events, err := s.ListSessionEvents(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Type != "acquired" || events[2].Type != "completed" {
		t.Fatalf("unexpected timeline %+v", events)
	}
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, voiceToken := range []string{"A", "B", "A"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.clock = func() time.Time { return at }
		if err := s.BeginSession(ctx, fmt.Sprintf("sess-%d", i), uint64(i), voiceToken); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}

	all, err := s.RecentSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].ID != "sess-2" || all[2].ID != "sess-0" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	onlyA, err := s.RecentSessions(ctx, "A", 1)
	if err != nil {
		t.Fatalf("recent A: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].ID != "sess-2" {
		t.Fatalf("expected latest A session, got %+v", onlyA)
	}

	eph := openTemp(t, config.StoreConfig{RetentionMode: "ephemeral"})
	if got, err := eph.RecentSessions(ctx, "", 5); err != nil || got != nil {
		t.Fatalf("expected no sessions in ephemeral mode, got %v %v", got, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, config.StoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginSession(ctx, "old-session", 1, "T1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.AppendSessionEvent(ctx, "old-session", "note", ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginSession(ctx, "new-session", 2, "T1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, ok, _ := s.GetSession(ctx, "new-session"); !ok {
		t.Fatalf("expected new session to survive")
	}
}
