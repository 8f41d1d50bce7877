package presentation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-sense/internal/bus"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/eventstore"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/natsserver"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleBatch() prediction.Batch {
	return prediction.Batch{
		Modality:    "object",
		Seq:         7,
		Predictions: []prediction.Prediction{{Label: "cup", Confidence: 0.9}},
		At:          time.Now().UTC(),
	}
}

func TestBusSinkSubjects(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, "", newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(conn.Close)

	msgs := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe("sense.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink := NewBusSink(bus.Wrap(conn, newLogger()), "sense", newLogger())
	sink.DisplayPredictions(session.Object, sampleBatch())
	sink.UpdateState(session.Object, session.Active, "Stop camera")
	sink.Notify(session.Object, "Object detection started", session.SeveritySuccess)
	sink.Render(session.Pose, session.Visual{Keypoints: []model.Keypoint{{Part: "nose", Score: 0.9}}})
	sink.Clear(session.Pose)

	want := []string{
		"sense.object.predictions",
		"sense.object.state",
		"sense.notify",
		"sense.pose.overlay",
		"sense.pose.overlay",
	}
	var got []*nats.Msg
	for range want {
		select {
		case msg := <-msgs:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", len(got))
		}
	}
	for i, subject := range want {
		if got[i].Subject != subject {
			t.Fatalf("message %d: expected %s, got %s", i, subject, got[i].Subject)
		}
	}

	var state protocol.StateChange
	if err := json.Unmarshal(got[1].Data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.State != "active" || state.Label != "Stop camera" {
		t.Fatalf("unexpected state %+v", state)
	}
	var note protocol.Notification
	if err := json.Unmarshal(got[2].Data, &note); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if note.Source != "object" || note.Severity != "success" {
		t.Fatalf("unexpected notification %+v", note)
	}
	var cleared protocol.Overlay
	if err := json.Unmarshal(got[4].Data, &cleared); err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	if !cleared.Cleared || len(cleared.Keypoints) != 0 {
		t.Fatalf("expected cleared overlay, got %+v", cleared)
	}
}

type fakeControls struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeControls) Control(_ context.Context, m session.Modality, action string) (session.Status, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(m)+":"+action)
	f.mu.Unlock()
	return session.Status{Modality: m, State: session.Loading, Label: "Loading model..."}, nil
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Type, env.Data
}

func TestHubBroadcastAndControl(t *testing.T) {
	hub := NewHub(8, newLogger())
	controls := &fakeControls{}
	hub.SetControls(controls)
	hub.UpdateState(session.Audio, session.Idle, "Start recording")

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	typ, data := readEnvelope(t, ctx, conn)
	if typ != EventState || !strings.Contains(string(data), "Start recording") {
		t.Fatalf("expected replayed state, got %s %s", typ, data)
	}

	for hub.Clients() == 0 {
		time.Sleep(time.Millisecond)
	}
	hub.DisplayPredictions(session.Object, sampleBatch())
	typ, data = readEnvelope(t, ctx, conn)
	if typ != EventPredictions {
		t.Fatalf("expected predictions, got %s", typ)
	}
	var pb protocol.PredictionBatch
	if err := json.Unmarshal(data, &pb); err != nil {
		t.Fatalf("decode predictions: %v", err)
	}
	if pb.Target != "object" || pb.Batch.Seq != 7 {
		t.Fatalf("unexpected batch %+v", pb)
	}

	req, _ := json.Marshal(protocol.ControlRequest{Action: protocol.ActionToggle, Modality: "pose"})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, data = readEnvelope(t, ctx, conn)
	if typ != EventStatus || !strings.Contains(string(data), `"state":"loading"`) {
		t.Fatalf("expected status reply, got %s %s", typ, data)
	}
	controls.mu.Lock()
	calls := append([]string(nil), controls.calls...)
	controls.mu.Unlock()
	if len(calls) != 1 || calls[0] != "pose:toggle" {
		t.Fatalf("unexpected control calls %v", calls)
	}

	bad, _ := json.Marshal(protocol.ControlRequest{Action: protocol.ActionStart, Modality: "smell"})
	if err := conn.Write(ctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readEnvelope(t, ctx, conn); typ != EventError {
		t.Fatalf("expected error for unknown modality, got %s", typ)
	}
}

func TestHubEvictsSlowClient(t *testing.T) {
	hub := NewHub(1, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	slow := &hubClient{send: make(chan []byte), cancel: cancel}
	hub.clients[slow] = struct{}{}

	hub.Notify(session.Pose, "hello", session.SeverityInfo)
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped client, got %d", hub.Dropped())
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("slow client was not closed")
	}
}

func TestRecorderTimeline(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := NewRecorder(store, true, 64, newLogger())
	rec.UpdateState(session.Object, session.Loading, "Loading model...")
	rec.UpdateState(session.Object, session.Active, "Stop camera")
	rec.Notify(session.Object, "Object detection started", session.SeveritySuccess)
	rec.DisplayPredictions(session.Object, sampleBatch())
	rec.UpdateState(session.Object, session.Idle, "Start camera")

	rec.UpdateState(session.Audio, session.Loading, "Loading model...")
	rec.UpdateState(session.Audio, session.Idle, "Start recording")
	rec.Notify(session.Audio, "No camera or microphone was found.", session.SeverityError)
	rec.Close()

	ctx := context.Background()
	objects, err := store.ListSessions(ctx, "object", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(objects) != 1 || objects[0].Outcome != OutcomeCompleted {
		t.Fatalf("unexpected object sessions %+v", objects)
	}
	events, err := store.ListSessionEvents(ctx, objects[0].ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != "state,state,notification,predictions,state" {
		t.Fatalf("unexpected event types %v", types)
	}

	audio, err := store.ListSessions(ctx, "audio", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(audio) != 1 || audio[0].Outcome != OutcomeFailed {
		t.Fatalf("unexpected audio sessions %+v", audio)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", rec.Dropped())
	}
}

func TestRecorderFilesNotificationsBySource(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Object is loading when audio changes state; the object failure must still
	// land in the object timeline.
	rec := NewRecorder(store, false, 64, newLogger())
	rec.UpdateState(session.Object, session.Loading, "Loading model...")
	rec.UpdateState(session.Audio, session.Loading, "Loading model...")
	rec.UpdateState(session.Audio, session.Active, "Stop recording")
	rec.UpdateState(session.Object, session.Idle, "Start camera")
	rec.UpdateState(session.Audio, session.Active, "Stop recording")
	rec.Notify(session.Object, "No camera or microphone was found.", session.SeverityError)
	rec.Notify(session.Audio, "Audio recognition started", session.SeveritySuccess)
	rec.Close()

	ctx := context.Background()
	kinds := func(modality string) (eventstore.Session, []string) {
		t.Helper()
		list, err := store.ListSessions(ctx, modality, 10)
		if err != nil || len(list) != 1 {
			t.Fatalf("list %s sessions: %v %+v", modality, err, list)
		}
		events, err := store.ListSessionEvents(ctx, list[0].ID, 10)
		if err != nil {
			t.Fatalf("list %s events: %v", modality, err)
		}
		var out []string
		for _, e := range events {
			out = append(out, e.Type)
		}
		return list[0], out
	}

	obj, objTypes := kinds("object")
	if obj.Outcome != OutcomeFailed || strings.Join(objTypes, ",") != "state,state,notification" {
		t.Fatalf("unexpected object timeline %+v %v", obj, objTypes)
	}
	aud, audTypes := kinds("audio")
	if aud.Outcome != "" || strings.Join(audTypes, ",") != "state,state,state,notification" {
		t.Fatalf("unexpected audio timeline %+v %v", aud, audTypes)
	}
}

type countingSink struct {
	mu                             sync.Mutex
	batches, states, notes, visual int
}

func (c *countingSink) DisplayPredictions(session.Modality, prediction.Batch) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()
}

func (c *countingSink) UpdateState(session.Modality, session.State, string) {
	c.mu.Lock()
	c.states++
	c.mu.Unlock()
}

func (c *countingSink) Notify(session.Modality, string, session.Severity) {
	c.mu.Lock()
	c.notes++
	c.mu.Unlock()
}

type overlaySink struct {
	countingSink
}

func (o *overlaySink) Render(session.Modality, session.Visual) {
	o.mu.Lock()
	o.visual++
	o.mu.Unlock()
}

func (o *overlaySink) Clear(session.Modality) {
	o.mu.Lock()
	o.visual++
	o.mu.Unlock()
}

func TestMultiFansOut(t *testing.T) {
	plain := &countingSink{}
	withOverlay := &overlaySink{}
	m := Multi{plain, withOverlay, NewLogSink(newLogger())}

	m.DisplayPredictions(session.Pose, prediction.Batch{})
	m.UpdateState(session.Pose, session.Active, "Stop analysis")
	m.Notify(session.Pose, "Pose recognition started", session.SeveritySuccess)
	m.Render(session.Pose, session.Visual{})
	m.Clear(session.Pose)

	if plain.batches != 1 || plain.states != 1 || plain.notes != 1 || plain.visual != 0 {
		t.Fatalf("unexpected plain counts %+v", plain)
	}
	if withOverlay.batches != 1 || withOverlay.visual != 2 {
		t.Fatalf("unexpected overlay counts %+v", withOverlay)
	}
}
