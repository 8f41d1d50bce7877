package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-sense/internal/capability"
	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
)

var (
	errSessionDisabled = errors.New("session not enabled")
	errUnknownAction   = errors.New("unknown action")
)

const metadataTimeout = 30 * time.Second

func sessionConfigFor(cfg config.Config, m session.Modality) config.SessionConfig {
	switch m {
	case session.Audio:
		return cfg.Sessions.Audio
	case session.Object:
		return cfg.Sessions.Object
	default:
		return cfg.Sessions.Pose
	}
}

func modelKind(m session.Modality) model.Kind {
	switch m {
	case session.Audio:
		return model.KindAudio
	case session.Pose:
		return model.KindPose
	default:
		return model.KindImage
	}
}

func captureSpec(m session.Modality, sc config.SessionConfig) capture.Spec {
	spec := capture.Spec{Device: sc.Device, Kind: capture.Camera}
	if m == session.Audio {
		spec.Kind = capture.Microphone
		spec.SampleRate = sc.SampleRate
		spec.Channels = sc.Channels
		return spec
	}
	spec.Width = sc.Width
	spec.Height = sc.Height
	spec.Flip = sc.Flip
	return spec
}

func audioWindow(sc config.SessionConfig) time.Duration {
	return time.Duration(sc.WindowMS) * time.Millisecond
}

func (r *Runtime) loaderFor(m session.Modality, sc config.SessionConfig) (model.Loader, error) {
	if sc.Mode == "exec" {
		return model.NewExecLoader(modelKind(m), model.ExecOptions{
			Command:    sc.Command,
			HTTPClient: &http.Client{Timeout: metadataTimeout},
			Window:     audioWindow(sc),
			Logger:     r.logger.With(slog.String("component", "model"), slog.String("modality", string(m))),
		})
	}
	return model.NewMockLoader(modelKind(m), nil, audioWindow(sc)), nil
}

func (r *Runtime) opener() capture.Opener {
	if r.cfg.Capture.Mode == "synthetic" {
		return capture.NewSyntheticOpener()
	}
	timeout := time.Duration(r.cfg.Capture.OpenTimeoutMS) * time.Millisecond
	return capture.NewBusOpener(r.bus.Conn(), timeout, r.logger)
}

func (r *Runtime) buildSessions(ctx context.Context) error {
	opener := r.opener()
	for _, m := range session.Modalities {
		sc := sessionConfigFor(r.cfg, m)
		if !sc.Enabled {
			continue
		}
		loader, err := r.loaderFor(m, sc)
		if err != nil {
			return fmt.Errorf("%s model: %w", m, err)
		}
		ctrl, err := session.New(ctx, session.Config{
			Modality:      m,
			Loader:        loader,
			Model:         model.SourceFromBase(sc.ModelURL),
			Opener:        opener,
			Capture:       captureSpec(m, sc),
			Sink:          r.sink,
			Overlay:       r.sink,
			TopK:          sc.TopK,
			FrameInterval: time.Duration(sc.FrameIntervalMS) * time.Millisecond,
			Listen: model.ListenConfig{
				ProbabilityThreshold:            sc.ProbabilityThreshold,
				OverlapFactor:                   sc.OverlapFactor,
				IncludeSpectrogram:              sc.IncludeSpectrogram,
				InvokeCallbackOnNoiseAndUnknown: true,
			},
			MinPartConfidence: sc.MinPartConfidence,
			Logger:            r.logger,
		})
		if err != nil {
			return fmt.Errorf("%s session: %w", m, err)
		}
		r.sessions[m] = ctrl
		r.order = append(r.order, m)
		r.sink.UpdateState(m, session.Idle, session.IdleLabel(m))
	}
	if len(r.order) == 0 {
		r.logger.Warn("no sessions enabled")
	}
	return nil
}

// Control applies a toggle, start or stop to one modality and returns its status
// afterwards. A start runs until the session is active, fails or is stopped.
func (r *Runtime) Control(ctx context.Context, m session.Modality, action string) (session.Status, error) {
	ctrl, ok := r.sessions[m]
	if !ok {
		return session.Status{}, fmt.Errorf("%w: %s", errSessionDisabled, m)
	}
	switch action {
	case protocol.ActionToggle:
		ctrl.Toggle(ctx)
	case protocol.ActionStart:
		ctrl.Start(ctx)
	case protocol.ActionStop:
		ctrl.Stop(ctx)
	default:
		return session.Status{}, fmt.Errorf("%w %q", errUnknownAction, action)
	}
	return ctrl.Snapshot(), nil
}

// Statuses returns a snapshot of every enabled session in modality order.
func (r *Runtime) Statuses() []session.Status {
	out := make([]session.Status, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, r.sessions[m].Snapshot())
	}
	return out
}

func (r *Runtime) sessionStates() map[string]string {
	states := make(map[string]string, len(r.order))
	for _, m := range r.order {
		states[string(m)] = r.sessions[m].State().String()
	}
	return states
}

func (r *Runtime) capabilities() []capability.Capability {
	caps := make([]capability.Capability, 0, len(r.order))
	for _, m := range r.order {
		sc := sessionConfigFor(r.cfg, m)
		caps = append(caps, capability.Capability{
			Name: "sense." + string(m),
			Attributes: map[string]string{
				"device": sc.Device,
				"mode":   sc.Mode,
				"model":  sc.ModelURL,
			},
		})
	}
	return caps
}
