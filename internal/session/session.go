// Package session drives one recognizer modality through its lifecycle:
// Idle, Loading, Active, Stopping and back to Idle. A Controller owns the model
// handle, the capture source and the running prediction stream, and reports
// everything it does to a Sink.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/prediction"
)

// Modality names a recognizer.
type Modality string

const (
	Audio  Modality = "audio"
	Object Modality = "object"
	Pose   Modality = "pose"
)

// Modalities lists every recognizer in display order.
var Modalities = []Modality{Audio, Object, Pose}

// ParseModality validates a modality name.
func ParseModality(s string) (Modality, bool) {
	for _, m := range Modalities {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// State is the lifecycle position of a controller.
type State int

const (
	Idle State = iota
	Loading
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "invalid"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Idle, Loading, Active, Stopping} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Action reports what a Toggle did.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "none"
	}
}

// Severity grades a user-facing notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ErrorKind is the start failure taxonomy surfaced to users.
type ErrorKind string

const (
	PermissionDenied ErrorKind = "permission_denied"
	DeviceNotFound   ErrorKind = "device_not_found"
	DeviceBusy       ErrorKind = "device_busy"
	ModelLoadFailed  ErrorKind = "model_load_failed"
	Unknown          ErrorKind = "unknown"
)

// Classify maps a start failure onto the taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, capture.ErrDeviceNotFound):
		return DeviceNotFound
	case errors.Is(err, capture.ErrDeviceBusy):
		return DeviceBusy
	case errors.Is(err, model.ErrLoad):
		return ModelLoadFailed
	default:
		return Unknown
	}
}

// NotificationFor renders the message shown for a start failure. Unknown
// failures pass the raw error text through.
func NotificationFor(kind ErrorKind, err error) string {
	switch kind {
	case PermissionDenied:
		return "Permission denied. Allow access to the camera or microphone."
	case DeviceNotFound:
		return "No camera or microphone was found."
	case DeviceBusy:
		return "Could not access the device. It may be in use by another application."
	case ModelLoadFailed:
		if err != nil {
			return "Could not load the model: " + err.Error()
		}
		return "Could not load the model."
	default:
		if err != nil && err.Error() != "" {
			return err.Error()
		}
		return "An unexpected error occurred."
	}
}

// Visual is the auxiliary overlay for one batch: the raw score vector for bar
// displays and, for pose, the keypoints that cleared the part confidence floor.
type Visual struct {
	Scores    []float64
	Keypoints []model.Keypoint
}

// Sink renders what a controller produces. Implementations must not block for long;
// the controller never waits on presentation.
type Sink interface {
	DisplayPredictions(target Modality, batch prediction.Batch)
	UpdateState(control Modality, state State, label string)
	Notify(source Modality, message string, severity Severity)
}

// Overlay draws the side visualization of a modality and resets it to its placeholder.
type Overlay interface {
	Render(target Modality, v Visual)
	Clear(target Modality)
}

// NopOverlay discards visuals.
type NopOverlay struct{}

func (NopOverlay) Render(Modality, Visual) {}
func (NopOverlay) Clear(Modality)          {}

type labels struct {
	idle, loading, opening, active string
	started, stopped               string
}

var modalityLabels = map[Modality]labels{
	Audio: {
		idle: "Start recording", loading: "Loading model...", opening: "Starting microphone...",
		active: "Stop listening", started: "Audio recognition started", stopped: "Audio recognition stopped",
	},
	Object: {
		idle: "Start camera", loading: "Loading model...", opening: "Starting camera...",
		active: "Stop camera", started: "Object detection started", stopped: "Object detection stopped",
	},
	Pose: {
		idle: "Start analysis", loading: "Loading model...", opening: "Starting camera...",
		active: "Stop analysis", started: "Pose recognition started", stopped: "Pose recognition stopped",
	},
}

func labelsFor(m Modality) labels {
	if l, ok := modalityLabels[m]; ok {
		return l
	}
	return labels{
		idle: "Start", loading: "Loading model...", opening: "Starting device...",
		active: "Stop", started: string(m) + " started", stopped: string(m) + " stopped",
	}
}

// IdleLabel is the control label a modality shows while idle.
func IdleLabel(m Modality) string { return labelsFor(m).idle }

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, capture.ErrStopped)
}
