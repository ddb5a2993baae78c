package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/presence"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.TTS.MockDelayMS = 0
	cfg.Pipeline.PollIntervalMS = 10
	cfg.Player.Mode = "wav"
	cfg.Player.WAVPath = filepath.Join(dir, "out.wav")
	cfg.Bus.NodeID = "test-node"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	return rt
}

func TestRuntimeSpeakRecordsAndPlays(t *testing.T) {
	cfg := testConfig(t)
	rt := startRuntime(t, cfg)
	base := "http://" + rt.Addr()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"text": "Hello there world. Second sentence here."})
	resp, err = http.Post(base+"/v1/speak", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	var done int
	for done < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 sentence.done events, saw %d", done)
		}
		time.Sleep(50 * time.Millisecond)
		done = countDone(t, base)
	}

	resp, err = http.Post(base+"/v1/skip", "application/json", nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	var skip map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&skip)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || skip["dropped"] != 0 {
		t.Fatalf("unexpected skip response %d %v", resp.StatusCode, skip)
	}

	resp, err = http.Get(base + "/v1/nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	var nodes []presence.Node
	_ = json.NewDecoder(resp.Body).Decode(&nodes)
	resp.Body.Close()
	if len(nodes) != 1 || nodes[0].ID != "test-node" || nodes[0].Backends["player"] != "wav" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	info, err := os.Stat(cfg.Player.WAVPath)
	if err != nil {
		t.Fatalf("stat wav: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("expected audio in wav file, size %d", info.Size())
	}
}

func countDone(t *testing.T, base string) int {
	t.Helper()
	resp, err := http.Get(base + "/v1/runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []eventstore.Run
	_ = json.NewDecoder(resp.Body).Decode(&runs)
	resp.Body.Close()

	done := 0
	for _, run := range runs {
		resp, err := http.Get(base + "/v1/runs/" + run.RunID + "/events")
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		var events []eventstore.Event
		_ = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		for _, evt := range events {
			if evt.Kind == "sentence.done" {
				done++
			}
		}
	}
	return done
}

func TestRuntimeRejectsEmptySpeak(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	cfg.Player.Mode = "discard"
	rt := startRuntime(t, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	resp, err := http.Post("http://"+rt.Addr()+"/v1/speak", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRuntimeStartFailsOnBadPlayer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	cfg.Player.Mode = "bus"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail without a bus for the bus player")
	}
}
