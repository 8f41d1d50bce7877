package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/eventstore"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Capture.Mode = "synthetic"
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 500
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "sense.db")
	cfg.Sessions.Audio.Enabled = false
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	r := New(cfg, newLogger())
	handler, err := r.setup(context.Background(), nil)
	if err != nil {
		r.close()
		t.Fatalf("setup: %v", err)
	}
	r.ready.Store(true)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		r.close()
	})
	return r, srv
}

func doJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPSessionControl(t *testing.T) {
	_, srv := newRuntime(t, testConfig(t))

	var list []session.Status
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions", &list); code != http.StatusOK {
		t.Fatalf("list: unexpected status %d", code)
	}
	if len(list) != 2 || list[0].Modality != session.Object || list[1].Modality != session.Pose {
		t.Fatalf("unexpected sessions %+v", list)
	}
	if list[0].State != session.Idle || list[0].Label != "Start camera" {
		t.Fatalf("expected idle object session, got %+v", list[0])
	}

	var status session.Status
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/object/start", &status); code != http.StatusOK {
		t.Fatalf("start: unexpected status %d", code)
	}
	if status.State != session.Active || status.Label != "Stop camera" || status.ActivationID == "" {
		t.Fatalf("expected active object session, got %+v", status)
	}

	waitFor(t, "predictions", func() bool {
		var s session.Status
		doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/object", &s)
		return s.Batches > 0
	})

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/object/stop", &status); code != http.StatusOK {
		t.Fatalf("stop: unexpected status %d", code)
	}
	if status.State != session.Idle || !status.ModelLoaded {
		t.Fatalf("expected idle session with retained model, got %+v", status)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/object/jump", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/audio/start", nil); code != http.StatusNotFound {
		t.Fatalf("disabled session: expected 404, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/smell", nil); code != http.StatusNotFound {
		t.Fatalf("unknown modality: expected 404, got %d", code)
	}

	var history []eventstore.Session
	waitFor(t, "recorded session", func() bool {
		history = nil
		doJSON(t, http.MethodGet, srv.URL+"/v1/history?modality=object", &history)
		return len(history) == 1 && history[0].Outcome != ""
	})
	if history[0].Outcome != "completed" {
		t.Fatalf("unexpected outcome %q", history[0].Outcome)
	}
	var events []eventstore.Event
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/history/"+history[0].ID, &events); code != http.StatusOK {
		t.Fatalf("history events: unexpected status %d", code)
	}
	if len(events) < 3 || events[0].Type != "state" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestNATSControl(t *testing.T) {
	r, _ := newRuntime(t, testConfig(t))

	conn, err := nats.Connect(r.server.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(conn.Close)

	request := func(m session.Modality, action string) controlReply {
		t.Helper()
		data, _ := json.Marshal(protocol.ControlRequest{Action: action})
		msg, err := conn.Request(ControlSubject("sense", m), data, 3*time.Second)
		if err != nil {
			t.Fatalf("request %s %s: %v", m, action, err)
		}
		var reply controlReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return reply
	}

	reply := request(session.Pose, protocol.ActionToggle)
	if reply.Status == nil || reply.Status.State != session.Loading || reply.Status.Label != "Loading model..." {
		t.Fatalf("expected loading reply, got %+v", reply)
	}
	pose := r.sessions[session.Pose]
	waitFor(t, "pose active", func() bool { return pose.State() == session.Active })

	states := r.sessionStates()
	if states["pose"] != "active" || states["object"] != "idle" {
		t.Fatalf("unexpected session states %v", states)
	}

	reply = request(session.Pose, protocol.ActionToggle)
	if reply.Status == nil || reply.Status.State != session.Idle {
		t.Fatalf("expected idle reply, got %+v", reply)
	}

	if reply = request(session.Pose, "dance"); reply.Error == "" {
		t.Fatalf("expected error for unknown action, got %+v", reply)
	}
	if reply = request(session.Audio, protocol.ActionStart); reply.Error == "" {
		t.Fatalf("expected error for disabled session, got %+v", reply)
	}
}

func TestControlRejectsDisabledSession(t *testing.T) {
	r, _ := newRuntime(t, testConfig(t))
	_, err := r.Control(context.Background(), session.Audio, protocol.ActionToggle)
	if !errors.Is(err, errSessionDisabled) {
		t.Fatalf("expected errSessionDisabled, got %v", err)
	}
	caps := r.capabilities()
	if len(caps) != 2 || caps[0].Name != "sense.object" || caps[1].Attributes["device"] != "camera" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestReadyReflectsLifecycle(t *testing.T) {
	r, srv := newRuntime(t, testConfig(t))
	if code := doJSON(t, http.MethodGet, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	r.ready.Store(false)
	if code := doJSON(t, http.MethodGet, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", code)
	}
}

func TestMockAudioHopsByOverlapOnce(t *testing.T) {
	sc := config.SessionConfig{Mode: "mock", Device: "microphone", SampleRate: 16000, Channels: 1, WindowMS: 200, OverlapFactor: 0.5}
	if got := audioWindow(sc); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms window, got %v", got)
	}
	spec := captureSpec(session.Audio, sc)
	if spec.Kind != "microphone" || spec.SampleRate != 16000 || spec.Width != 0 {
		t.Fatalf("unexpected audio capture spec %+v", spec)
	}

	r := New(testConfig(t), newLogger())
	loader, err := r.loaderFor(session.Audio, sc)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	ctx := context.Background()
	handle, err := loader.Load(ctx, model.SourceFromBase("mock://audio"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	listener, ok := handle.(model.Listener)
	if !ok {
		t.Fatalf("expected a listener, got %T", handle)
	}
	src, err := capture.NewSyntheticOpener().Open(spec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := src.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := src.Play(ctx); err != nil {
		t.Fatalf("play: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	var calls atomic.Int32
	if err := listener.Listen(src, model.ListenConfig{OverlapFactor: sc.OverlapFactor, InvokeCallbackOnNoiseAndUnknown: true}, func(model.Result) {
		calls.Add(1)
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	time.Sleep(260 * time.Millisecond)
	if err := listener.StopListening(); err != nil {
		t.Fatalf("stop listening: %v", err)
	}
	// A 100ms hop yields two windows in 260ms; applying the overlap twice would yield five.
	if n := calls.Load(); n < 1 || n > 3 {
		t.Fatalf("expected about two windows at a 100ms hop, got %d", n)
	}
}

func TestNATSStopCancelsLoadingStart(t *testing.T) {
	loading := make(chan struct{}, 1)
	models := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		loading <- struct{}{}
		<-req.Context().Done()
	}))
	t.Cleanup(models.Close)

	cfg := testConfig(t)
	cfg.Sessions.Object.Mode = "exec"
	cfg.Sessions.Object.Command = "classify"
	cfg.Sessions.Object.ModelURL = models.URL
	r, _ := newRuntime(t, cfg)

	conn, err := nats.Connect(r.server.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(conn.Close)
	send := func(action string) (controlReply, error) {
		data, _ := json.Marshal(protocol.ControlRequest{Action: action})
		msg, err := conn.Request(ControlSubject("sense", session.Object), data, 3*time.Second)
		if err != nil {
			return controlReply{}, err
		}
		var reply controlReply
		err = json.Unmarshal(msg.Data, &reply)
		return reply, err
	}

	started := make(chan error, 1)
	go func() {
		_, err := send(protocol.ActionStart)
		started <- err
	}()
	select {
	case <-loading:
	case <-time.After(3 * time.Second):
		t.Fatal("start never requested the model metadata")
	}

	reply, err := send(protocol.ActionStop)
	if err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if reply.Status == nil || reply.Status.State != session.Idle {
		t.Fatalf("expected idle reply, got %+v", reply)
	}
	if err := <-started; err != nil {
		t.Fatalf("start request: %v", err)
	}
	if state := r.sessions[session.Object].State(); state != session.Idle {
		t.Fatalf("expected idle after cancelled start, got %s", state)
	}
}
