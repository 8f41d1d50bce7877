package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-sense/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

func TestTraceExporterName(t *testing.T) {
	cases := []struct {
		name string
		tc   config.TelemetryConfig
		want string
	}{
		{"auto without endpoint", config.TelemetryConfig{TracesExporter: "auto", LogLevel: "info"}, tracesNone},
		{"auto at debug", config.TelemetryConfig{LogLevel: "DEBUG"}, tracesStdout},
		{"auto with endpoint", config.TelemetryConfig{TracesExporter: "auto", OTLPEndpoint: "collector:4317", LogLevel: "debug"}, tracesOTLP},
		{"explicit none", config.TelemetryConfig{TracesExporter: "None", OTLPEndpoint: "collector:4317"}, tracesNone},
		{"explicit stdout", config.TelemetryConfig{TracesExporter: "stdout"}, tracesStdout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := traceExporterName(tc.tc); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTelemetryDescribesSenseNode(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "kitchen-1"
	cfg.Node.Role = "sense"
	cfg.Capture.Mode = "synthetic"
	cfg.Sessions.Audio.Enabled = false
	cfg.Telemetry.TracesExporter = tracesNone

	ctx := context.Background()
	tel, err := newTelemetry(ctx, cfg, "1.2.3")
	if err != nil {
		t.Fatalf("new telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.shutdown(context.Background()) })

	res, err := senseResource(ctx, cfg, "1.2.3")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	want := map[attribute.Key]string{
		"service.version":         "1.2.3",
		"service.instance.id":     "kitchen-1",
		"loqa.node.role":          "sense",
		"loqa.sense.capture_mode": "synthetic",
	}
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("%s: expected %q, got %v", key, value, got)
		}
	}
	modalities, _ := set.Value("loqa.sense.modalities")
	if strings.Join(modalities.AsStringSlice(), ",") != "object,pose" {
		t.Fatalf("unexpected modalities %v", modalities.AsStringSlice())
	}

	counter, err := tel.meter.Meter("test").Int64Counter("session_starts")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 1)
	srv := httptest.NewServer(tel.handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "loqa_sense_session_starts_total") {
		t.Fatalf("scrape missing namespaced counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("scrape missing runtime collectors")
	}
}

func TestTelemetryRejectsUnknownExporter(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TracesExporter = "zipkin"
	if _, err := newTelemetry(context.Background(), cfg, "dev"); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}
