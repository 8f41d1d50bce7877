package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TracesExporter   string  `yaml:"traces_exporter"` // auto|otlp|stdout|none
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Capture      CaptureConfig      `yaml:"capture"`
	Presentation PresentationConfig `yaml:"presentation"`
	Sessions     SessionsConfig     `yaml:"sessions"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path              string `yaml:"path"`
	RetentionMode     string `yaml:"retention_mode"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxSessions       int    `yaml:"max_sessions"`
	VacuumOnStart     bool   `yaml:"vacuum_on_start"`
	RecordPredictions bool   `yaml:"record_predictions"`
}

// CaptureConfig selects where camera and microphone frames come from.
type CaptureConfig struct {
	Mode          string `yaml:"mode"` // bus, synthetic
	OpenTimeoutMS int    `yaml:"open_timeout_ms"`
}

type PresentationConfig struct {
	Websocket     bool   `yaml:"websocket"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientBuffer  int    `yaml:"client_buffer"`
}

type SessionsConfig struct {
	Audio  SessionConfig `yaml:"audio"`
	Object SessionConfig `yaml:"object"`
	Pose   SessionConfig `yaml:"pose"`
}

// SessionConfig configures one recognizer modality. Fields that do not apply to
// a modality are ignored (e.g. window_ms for object).
type SessionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Mode                 string  `yaml:"mode"` // mock, exec
	Command              string  `yaml:"command"`
	ModelURL             string  `yaml:"model_url"`
	Device               string  `yaml:"device"`
	TopK                 int     `yaml:"top_k"`
	FrameIntervalMS      int     `yaml:"frame_interval_ms"`
	Width                int     `yaml:"width"`
	Height               int     `yaml:"height"`
	Flip                 bool    `yaml:"flip"`
	SampleRate           int     `yaml:"sample_rate"`
	Channels             int     `yaml:"channels"`
	WindowMS             int     `yaml:"window_ms"`
	ProbabilityThreshold float64 `yaml:"probability_threshold"`
	OverlapFactor        float64 `yaml:"overlap_factor"`
	IncludeSpectrogram   bool    `yaml:"include_spectrogram"`
	MinPartConfidence    float64 `yaml:"min_part_confidence"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sense",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TracesExporter:   "auto",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-sense-1",
			Role:              "sense",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "sense.core", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sense.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:          "bus",
			OpenTimeoutMS: 10000,
		},
		Presentation: PresentationConfig{
			Websocket:     true,
			SubjectPrefix: "sense",
			ClientBuffer:  32,
		},
		Sessions: SessionsConfig{
			Audio: SessionConfig{
				Enabled:              true,
				Mode:                 "mock",
				ModelURL:             "https://teachablemachine.withgoogle.com/models/gsG07BTw4/",
				Device:               "microphone",
				TopK:                 5,
				SampleRate:           16000,
				Channels:             1,
				WindowMS:             1000,
				ProbabilityThreshold: 0.75,
				OverlapFactor:        0.5,
				IncludeSpectrogram:   true,
			},
			Object: SessionConfig{
				Enabled:         true,
				Mode:            "mock",
				ModelURL:        "https://teachablemachine.withgoogle.com/models/yhk-ebUk5/",
				Device:          "camera",
				TopK:            5,
				FrameIntervalMS: 50,
				Width:           640,
				Height:          480,
				Flip:            true,
			},
			Pose: SessionConfig{
				Enabled:           true,
				Mode:              "mock",
				ModelURL:          "https://teachablemachine.withgoogle.com/models/eInUTCIv8/",
				Device:            "camera",
				TopK:              5,
				FrameIntervalMS:   50,
				Width:             480,
				Height:            480,
				Flip:              true,
				MinPartConfidence: 0.5,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TracesExporter, "LOQA_TELEMETRY_TRACES_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordPredictions, "LOQA_EVENT_STORE_RECORD_PREDICTIONS")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideInt(&cfg.Capture.OpenTimeoutMS, "LOQA_CAPTURE_OPEN_TIMEOUT_MS")
	overrideBool(&cfg.Presentation.Websocket, "LOQA_PRESENTATION_WEBSOCKET")
	overrideString(&cfg.Presentation.SubjectPrefix, "LOQA_PRESENTATION_SUBJECT_PREFIX")
	overrideInt(&cfg.Presentation.ClientBuffer, "LOQA_PRESENTATION_CLIENT_BUFFER")
	overrideSession(&cfg.Sessions.Audio, "LOQA_SESSIONS_AUDIO")
	overrideSession(&cfg.Sessions.Object, "LOQA_SESSIONS_OBJECT")
	overrideSession(&cfg.Sessions.Pose, "LOQA_SESSIONS_POSE")
}

func overrideSession(cfg *SessionConfig, prefix string) {
	overrideBool(&cfg.Enabled, prefix+"_ENABLED")
	overrideString(&cfg.Mode, prefix+"_MODE")
	overrideString(&cfg.Command, prefix+"_COMMAND")
	overrideString(&cfg.ModelURL, prefix+"_MODEL_URL")
	overrideString(&cfg.Device, prefix+"_DEVICE")
	overrideInt(&cfg.TopK, prefix+"_TOP_K")
	overrideInt(&cfg.FrameIntervalMS, prefix+"_FRAME_INTERVAL_MS")
	overrideInt(&cfg.Width, prefix+"_WIDTH")
	overrideInt(&cfg.Height, prefix+"_HEIGHT")
	overrideBool(&cfg.Flip, prefix+"_FLIP")
	overrideInt(&cfg.SampleRate, prefix+"_SAMPLE_RATE")
	overrideInt(&cfg.Channels, prefix+"_CHANNELS")
	overrideInt(&cfg.WindowMS, prefix+"_WINDOW_MS")
	overrideFloat(&cfg.ProbabilityThreshold, prefix+"_PROBABILITY_THRESHOLD")
	overrideFloat(&cfg.OverlapFactor, prefix+"_OVERLAP_FACTOR")
	overrideBool(&cfg.IncludeSpectrogram, prefix+"_INCLUDE_SPECTROGRAM")
	overrideFloat(&cfg.MinPartConfidence, prefix+"_MIN_PART_CONFIDENCE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.TracesExporter) {
	case "", "auto", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.traces_exporter must be one of auto|otlp|stdout|none")
	}
	if strings.EqualFold(cfg.Telemetry.TracesExporter, "otlp") && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint is required when traces_exporter is otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Capture.Mode {
	case "bus", "synthetic":
	default:
		return errors.New("capture.mode must be one of bus|synthetic")
	}
	if cfg.Capture.OpenTimeoutMS <= 0 {
		return errors.New("capture.open_timeout_ms must be positive")
	}
	if cfg.Presentation.SubjectPrefix == "" {
		return errors.New("presentation.subject_prefix must not be empty")
	}
	if err := validateSession("sessions.audio", cfg.Sessions.Audio); err != nil {
		return err
	}
	if cfg.Sessions.Audio.Enabled {
		a := cfg.Sessions.Audio
		if a.SampleRate <= 0 || a.Channels <= 0 {
			return errors.New("sessions.audio.sample_rate and channels must be positive")
		}
		if a.WindowMS <= 0 {
			return errors.New("sessions.audio.window_ms must be positive")
		}
		if a.OverlapFactor < 0 || a.OverlapFactor >= 1 {
			return errors.New("sessions.audio.overlap_factor must be in [0,1)")
		}
		if a.ProbabilityThreshold < 0 || a.ProbabilityThreshold > 1 {
			return errors.New("sessions.audio.probability_threshold must be in [0,1]")
		}
	}
	for name, s := range map[string]SessionConfig{"sessions.object": cfg.Sessions.Object, "sessions.pose": cfg.Sessions.Pose} {
		if err := validateSession(name, s); err != nil {
			return err
		}
		if !s.Enabled {
			continue
		}
		if s.FrameIntervalMS <= 0 {
			return fmt.Errorf("%s.frame_interval_ms must be positive", name)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("%s.width and height must be positive", name)
		}
	}
	return nil
}

func validateSession(name string, s SessionConfig) error {
	if !s.Enabled {
		return nil
	}
	switch s.Mode {
	case "mock", "exec":
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec", name)
	}
	if s.Mode == "exec" && s.Command == "" {
		return fmt.Errorf("%s.command must be set when mode=exec", name)
	}
	if s.ModelURL == "" {
		return fmt.Errorf("%s.model_url must not be empty", name)
	}
	if s.Device == "" {
		return fmt.Errorf("%s.device must not be empty", name)
	}
	if s.TopK < 0 {
		return fmt.Errorf("%s.top_k must be >= 0", name)
	}
	return nil
}
