package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Sessions.Audio.ProbabilityThreshold != 0.75 || cfg.Sessions.Audio.OverlapFactor != 0.5 {
		t.Fatalf("unexpected audio listen defaults: %+v", cfg.Sessions.Audio)
	}
	if cfg.Sessions.Pose.Width != 480 || cfg.Sessions.Object.Width != 640 {
		t.Fatalf("unexpected capture geometry defaults")
	}
	if !strings.HasSuffix(cfg.Sessions.Object.ModelURL, "/") {
		t.Fatalf("expected model base url with trailing slash, got %q", cfg.Sessions.Object.ModelURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RECORD_PREDICTIONS", "true")
	t.Setenv("LOQA_CAPTURE_MODE", "synthetic")
	t.Setenv("LOQA_SESSIONS_POSE_ENABLED", "false")
	t.Setenv("LOQA_SESSIONS_OBJECT_TOP_K", "3")
	t.Setenv("LOQA_SESSIONS_AUDIO_OVERLAP_FACTOR", "0.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if !cfg.EventStore.RecordPredictions {
		t.Fatalf("expected record predictions override")
	}
	if cfg.Capture.Mode != "synthetic" {
		t.Fatalf("expected capture mode override, got %q", cfg.Capture.Mode)
	}
	if cfg.Sessions.Pose.Enabled {
		t.Fatalf("expected pose session disabled")
	}
	if cfg.Sessions.Object.TopK != 3 {
		t.Fatalf("expected object top_k 3, got %d", cfg.Sessions.Object.TopK)
	}
	if cfg.Sessions.Audio.OverlapFactor != 0.25 {
		t.Fatalf("expected overlap override, got %v", cfg.Sessions.Audio.OverlapFactor)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sense.yaml")
	data := []byte(`
runtime_name: sense-test
sessions:
  object:
    mode: exec
    command: "classify --fast"
    frame_interval_ms: 100
  audio:
    enabled: false
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "sense-test" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.Sessions.Object.Mode != "exec" || cfg.Sessions.Object.FrameIntervalMS != 100 {
		t.Fatalf("unexpected object session %+v", cfg.Sessions.Object)
	}
	if cfg.Sessions.Object.Width != 640 {
		t.Fatalf("expected defaults preserved for unspecified fields")
	}
	if cfg.Sessions.Audio.Enabled {
		t.Fatalf("expected audio disabled")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_SESSIONS_POSE_MODE", "exec")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "sessions.pose.command") {
		t.Fatalf("expected command validation error, got %v", err)
	}
}

func TestValidateRejectsBadOverlap(t *testing.T) {
	t.Setenv("LOQA_SESSIONS_AUDIO_OVERLAP_FACTOR", "1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected overlap validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
