package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sense/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginSession(ctx, "s", "audio"); err != nil {
		t.Fatalf("begin on ephemeral store: %v", err)
	}
	sessions, err := es.ListSessions(ctx, "", 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected nothing from ephemeral store, got %v, %v", sessions, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.BeginSession(ctx, sessionID, "pose"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, typ := range []string{"state", "notification", "state"} {
		if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Modality: "pose", Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Type != "notification" || events[1].Modality != "pose" {
		t.Fatalf("events out of order: %+v", events)
	}
}

func TestEndSessionAndList(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "a1", "audio"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "o1", "object"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.EndSession(ctx, "a1", "stopped"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := es.EndSession(ctx, "missing", "stopped"); err == nil {
		t.Fatal("expected error ending unknown session")
	}

	all, err := es.ListSessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "o1" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	audio, err := es.ListSessions(ctx, "audio", 10)
	if err != nil {
		t.Fatalf("list audio sessions: %v", err)
	}
	if len(audio) != 1 || audio[0].Outcome != "stopped" || audio[0].EndedAt == nil {
		t.Fatalf("unexpected audio sessions %+v", audio)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "object"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "object"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
