package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sense/internal/bus"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

// CapturePrefix prefixes the capability an edge device advertises for each device it
// can stream, e.g. capture.camera.
const CapturePrefix = "capture."

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string            `json:"id"`
	Role         string            `json:"role"`
	Capabilities []Capability      `json:"capabilities"`
	Sessions     map[string]string `json:"sessions,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	Healthy      bool              `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string            `json:"node_id"`
	Sessions  map[string]string `json:"sessions,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Registry announces this node and its recognizer capabilities, publishes heartbeats
// carrying session states, and tracks the other nodes on the bus, including the edge
// devices that serve capture streams.
type Registry struct {
	cfg       config.NodeConfig
	local     []Capability
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	status    func() map[string]string
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

// NewRegistry starts announcing. extra capabilities are advertised alongside the
// configured ones; status, when non-nil, supplies the session states sent with each
// heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, extra []Capability, status func() map[string]string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  append(convertCapabilities(cfg.Capabilities), extra...),
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		status: status,
		meter:  otel.Meter("github.com/loqalabs/loqa-sense/internal/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, nil, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	if r.status != nil {
		msg.Sessions = r.status()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	known := r.knows(announcement.NodeID)
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, nil, announcement.Timestamp)
	// Late joiners missed our announce; answer theirs once.
	if !known && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) knows(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	return ok && len(node.Capabilities) > 0
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Sessions, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, sessions map[string]string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if sessions != nil {
		node.Sessions = sessions
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		copy := *node
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	return results
}

// HasCaptureDevice reports whether a healthy node advertises the named capture device.
func (r *Registry) HasCaptureDevice(device string) bool {
	nodes := r.Query(WithCapabilityFilter(CapturePrefix + device))
	for _, n := range nodes {
		if n.Healthy {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("sense.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("sense.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, caps := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, gauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes int64
	var caps int64
	for _, node := range r.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, cap := range source {
		result = append(result, Capability{
			Name:       cap.Name,
			Tier:       cap.Tier,
			Attributes: cap.Attributes,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, cap := range node.Capabilities {
			if cap.Name == name {
				return true
			}
		}
		return false
	}
}
