// Package presence announces voice nodes on the bus and tracks which peers are
// alive, so controllers can see where speak requests will land.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "node.announce"
	subjectHeartbeat = "node.heartbeat"
)

// Node is a voice daemon seen on the bus.
type Node struct {
	ID       string            `json:"id"`
	Backends map[string]string `json:"backends,omitempty"`
	LastSeen time.Time         `json:"last_seen"`
	Healthy  bool              `json:"healthy"`
}

// Options describe the local node.
type Options struct {
	NodeID            string
	Backends          map[string]string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type announceMessage struct {
	NodeID    string            `json:"node_id"`
	Backends  map[string]string `json:"backends,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string            `json:"node_id"`
	Backends  map[string]string `json:"backends,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*Node
	subs  []*nats.Subscription
}

// Start subscribes to peer announcements, announces the local node and keeps
// heartbeating until Close.
func Start(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout < opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:   opts,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", opts.NodeID)),
		bus:    busClient,
		now:    time.Now,
		cancel: cancel,
		nodes:  make(map[string]*Node),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-voice/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := r.bus.Subscribe(subjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{NodeID: r.opts.NodeID, Backends: r.opts.Backends, Timestamp: r.now().UTC()}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Backends, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.opts.NodeID, Backends: r.opts.Backends, Timestamp: r.now().UTC()}
	return r.bus.PublishJSON(subjectHeartbeat+"."+r.opts.NodeID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Backends, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, hb.Backends, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, backends map[string]string, seen time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
		if nodeID != r.opts.NodeID {
			r.log.Info("peer node discovered", slog.String("peer", nodeID))
		}
	}
	if len(backends) > 0 {
		node.Backends = backends
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > r.opts.HeartbeatTimeout {
			node.Healthy = false
			r.log.Warn("node heartbeat expired", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether the local node's own announcement round-tripped.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.opts.NodeID]
	return ok && node.Healthy
}

// Nodes returns every known node sorted by ID.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("voice.nodes", metric.WithDescription("Healthy voice nodes seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var healthy int64
		for _, node := range r.nodes {
			if node.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
