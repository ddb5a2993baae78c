package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Enabled, cfg.Embedded, cfg.Port, cfg.StoreDir = true, true, -1, t.TempDir()
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryDiscoversPeers(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 200 * time.Millisecond}

	opts.NodeID = "kitchen"
	opts.Backends = map[string]string{"tts": "mock"}
	a, err := Start(context.Background(), opts, client, log)
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Close()

	opts.NodeID = "office"
	b, err := Start(context.Background(), opts, client, log)
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Nodes()) < 2 || len(b.Nodes()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("nodes never discovered each other: %+v / %+v", a.Nodes(), b.Nodes())
		}
		time.Sleep(10 * time.Millisecond)
	}
	nodes := b.Nodes()
	if len(nodes) != 2 || nodes[0].ID != "kitchen" || nodes[0].Backends["tts"] != "mock" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if !a.Healthy() {
		t.Fatal("expected local node healthy")
	}
}

func TestRegistryExpiresSilentNodes(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := Start(context.Background(), Options{NodeID: "den", HeartbeatInterval: time.Hour}, client, log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()

	r.updateNode("ghost", nil, time.Now().Add(-4*time.Hour))
	r.evaluateHealth()
	for _, node := range r.Nodes() {
		if node.ID == "ghost" && node.Healthy {
			t.Fatal("expected ghost node to be marked unhealthy")
		}
	}
}
