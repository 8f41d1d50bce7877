package presentation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
)

// Controls executes control requests coming from browser clients.
type Controls interface {
	Control(ctx context.Context, modality session.Modality, action string) (session.Status, error)
}

// Hub broadcasts session output to websocket clients and accepts
// {"action":"toggle|start|stop","modality":"..."} commands from them. Each client has
// a bounded queue; a client that falls behind is disconnected.
type Hub struct {
	log      *slog.Logger
	buffer   int
	clock    func() time.Time
	controls atomic.Pointer[controlsHolder]

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	states  map[session.Modality]protocol.StateChange
	closed  bool
	dropped atomic.Uint64
}

type controlsHolder struct{ c Controls }

type hubClient struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() {
		c.cancel()
	})
}

func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		log:     log.With(slog.String("component", "ws-hub")),
		buffer:  buffer,
		clock:   time.Now,
		clients: make(map[*hubClient]struct{}),
		states:  make(map[session.Modality]protocol.StateChange),
	}
}

// SetControls wires the command target. Commands arriving before it is set are rejected.
func (h *Hub) SetControls(c Controls) {
	h.controls.Store(&controlsHolder{c: c})
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped reports how many clients were disconnected for falling behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	client := &hubClient{conn: conn, send: make(chan []byte, h.buffer), cancel: cancel}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[client] = struct{}{}
	for _, st := range h.states {
		if data, err := json.Marshal(Envelope{Type: EventState, Data: st}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))

	go h.readLoop(ctx, client)
	h.writeLoop(ctx, client)

	h.remove(client)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, c *hubClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *hubClient) {
	defer c.close()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var req protocol.ControlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(c, Envelope{Type: EventError, Data: "invalid control request"})
			continue
		}
		status, err := h.control(ctx, req)
		if err != nil {
			h.reply(c, Envelope{Type: EventError, Data: err.Error()})
			continue
		}
		h.reply(c, Envelope{Type: EventStatus, Data: status})
	}
}

func (h *Hub) control(ctx context.Context, req protocol.ControlRequest) (session.Status, error) {
	holder := h.controls.Load()
	if holder == nil || holder.c == nil {
		return session.Status{}, errors.New("controls unavailable")
	}
	modality, ok := session.ParseModality(req.Modality)
	if !ok {
		return session.Status{}, errors.New("unknown modality " + req.Modality)
	}
	return holder.c.Control(ctx, modality, req.Action)
}

func (h *Hub) reply(c *hubClient, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.evict(c)
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) evict(c *hubClient) {
	h.dropped.Add(1)
	h.log.Warn("dropping slow websocket client")
	c.close()
}

func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("failed to encode websocket message", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.evict(c)
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) DisplayPredictions(target session.Modality, batch prediction.Batch) {
	h.broadcast(Envelope{Type: EventPredictions, Data: predictionMessage(target, batch)})
}

func (h *Hub) UpdateState(control session.Modality, state session.State, label string) {
	msg := stateMessage(control, state, label, h.clock().UTC())
	h.mu.Lock()
	h.states[control] = msg
	h.mu.Unlock()
	h.broadcast(Envelope{Type: EventState, Data: msg})
}

func (h *Hub) Notify(source session.Modality, message string, severity session.Severity) {
	h.broadcast(Envelope{Type: EventNotify, Data: notifyMessage(source, message, severity, h.clock().UTC())})
}

func (h *Hub) Render(target session.Modality, v session.Visual) {
	h.broadcast(Envelope{Type: EventOverlay, Data: overlayMessage(target, v, h.clock().UTC())})
}

func (h *Hub) Clear(target session.Modality) {
	h.broadcast(Envelope{Type: EventOverlay, Data: clearedOverlay(target, h.clock().UTC())})
}
