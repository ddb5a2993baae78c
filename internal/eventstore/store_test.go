package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
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
	if err := es.AppendEvent(ctx, Event{RunID: "r", Kind: "skip"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendRun(ctx, "run-1", "stdin"); err != nil {
		t.Fatalf("append run: %v", err)
	}
	for seq, kind := range []string{"sentence.queued", "sentence.playing", "sentence.done"} {
		if err := es.AppendEvent(ctx, Event{RunID: "run-1", Seq: uint64(seq + 1), Kind: kind, Text: "Hello there."}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.AppendEvent(ctx, Event{Kind: "skip", Dropped: 2}); err != nil {
		t.Fatalf("append run-less event: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Kind != "sentence.done" || events[2].Seq != 3 || events[2].Text != "Hello there." {
		t.Fatalf("unexpected event %+v", events[2])
	}
	runs, err := es.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Source != "stdin" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRun(ctx, "old-run", "bus"); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RunID: "old-run", Kind: "sentence.done"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRun(ctx, "new-run", "bus"); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run pruned")
	}
	runs, err := es.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new-run" {
		t.Fatalf("expected only new-run to survive, got %+v", runs)
	}
}

func TestRecorderPersistsPipelineEvents(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, newLogger(), 16)

	rec.Handle(pipeline.Event{Kind: pipeline.EventSentenceQueued, RunID: "run-9", Seq: 1, Text: "First one."})
	rec.Handle(pipeline.Event{Kind: pipeline.EventSentenceFailed, RunID: "run-9", Seq: 1, Err: errors.New("backend down")})
	rec.Close()
	rec.Handle(pipeline.Event{Kind: pipeline.EventSentenceDone, RunID: "run-9", Seq: 1})

	events, err := es.ListRunEvents(context.Background(), "run-9", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 recorded events, got %d", len(events))
	}
	if events[1].Kind != string(pipeline.EventSentenceFailed) || events[1].Error != "backend down" {
		t.Fatalf("unexpected failure record %+v", events[1])
	}
	if rec.Dropped() != 0 {
		t.Fatalf("expected no dropped events, got %d", rec.Dropped())
	}
}
