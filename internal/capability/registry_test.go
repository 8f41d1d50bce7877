package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sense/internal/bus"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryTracksCaptureDevicesAndSessions(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, "", newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	connect := func() *bus.Client {
		conn, err := nats.Connect(srv.ClientURL())
		if err != nil {
			t.Fatalf("connect nats: %v", err)
		}
		t.Cleanup(conn.Close)
		return bus.Wrap(conn, newLogger())
	}

	ctx := context.Background()
	sense, err := NewRegistry(ctx, config.NodeConfig{
		ID: "sense-1", Role: "sense", HeartbeatInterval: 20, HeartbeatTimeout: 200,
		Capabilities: []config.NodeCapability{{Name: "sense.core"}},
	}, []Capability{{Name: "sense.pose", Attributes: map[string]string{"device": "camera"}}},
		func() map[string]string { return map[string]string{"pose": "active"} },
		connect(), newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(sense.Close)

	if sense.HasCaptureDevice("camera") {
		t.Fatal("camera reported before any device announced")
	}

	edge, err := NewRegistry(ctx, config.NodeConfig{
		ID: "edge-1", Role: "capture", HeartbeatInterval: 20, HeartbeatTimeout: 200,
	}, []Capability{{Name: CapturePrefix + "camera"}}, nil, connect(), newLogger())
	if err != nil {
		t.Fatalf("new edge registry: %v", err)
	}
	t.Cleanup(edge.Close)

	deadline := time.Now().Add(2 * time.Second)
	for !sense.HasCaptureDevice("camera") {
		if time.Now().After(deadline) {
			t.Fatal("edge camera never seen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sense.Healthy() {
		t.Fatal("local node should be healthy after announce")
	}

	for {
		nodes := edge.Query(WithCapabilityFilter("sense.pose"))
		if len(nodes) == 1 && nodes[0].Sessions["pose"] == "active" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session states never arrived: %+v", nodes)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
