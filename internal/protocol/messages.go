package protocol

import (
	"time"

	"github.com/loqalabs/loqa-sense/internal/prediction"
)

// CaptureFrame is a camera image or microphone PCM chunk streamed from an edge device.
type CaptureFrame struct {
	Device     string    `json:"device"`
	Sequence   uint64    `json:"sequence"`
	Kind       string    `json:"kind"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Format     string    `json:"format,omitempty"`
	Data       []byte    `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

// CaptureOpen asks an edge device to start streaming.
type CaptureOpen struct {
	Device     string `json:"device"`
	Kind       string `json:"kind"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Flip       bool   `json:"flip,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// CaptureOpenReply carries the device's answer. Code uses the browser media error
// names (NotAllowedError, NotFoundError, NotReadableError) when OK is false.
type CaptureOpenReply struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// PredictionBatch is broadcast once per tick or listener callback.
type PredictionBatch struct {
	Target string           `json:"target"`
	Batch  prediction.Batch `json:"batch"`
}

// StateChange reports a session control transition.
type StateChange struct {
	Control   string    `json:"control"`
	State     string    `json:"state"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a user-facing message.
type Notification struct {
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Keypoint is a single pose landmark in frame coordinates.
type Keypoint struct {
	Part  string  `json:"part"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Overlay carries auxiliary visualization data: per-class scores for audio bars
// or pose keypoints. Cleared overlays have both fields empty.
type Overlay struct {
	Target    string     `json:"target"`
	Scores    []float64  `json:"scores,omitempty"`
	Keypoints []Keypoint `json:"keypoints,omitempty"`
	Cleared   bool       `json:"cleared,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ControlRequest toggles, starts or stops a modality.
type ControlRequest struct {
	Action   string `json:"action"`
	Modality string `json:"modality,omitempty"`
}

const (
	ActionToggle = "toggle"
	ActionStart  = "start"
	ActionStop   = "stop"
)

const (
	SubjectCapturePrefix = "capture"
	SubjectControlPrefix = "control"
	SubjectNotifySuffix  = "notify"
	SubjectPredictSuffix = "predictions"
	SubjectStateSuffix   = "state"
	SubjectOverlaySuffix = "overlay"
	captureOpenSuffix    = "open"
	captureFrameSuffix   = "frame"
	captureCloseSuffix   = "close"
)

// CaptureOpenSubject is the request/reply subject used to acquire a device.
func CaptureOpenSubject(device string) string {
	return SubjectCapturePrefix + "." + device + "." + captureOpenSuffix
}

// CaptureFrameSubject carries frames for a device once it is playing.
func CaptureFrameSubject(device string) string {
	return SubjectCapturePrefix + "." + device + "." + captureFrameSuffix
}

// CaptureCloseSubject tells a device to release its stream. Devices ignore a close
// for a stream they do not hold.
func CaptureCloseSubject(device string) string {
	return SubjectCapturePrefix + "." + device + "." + captureCloseSuffix
}

// Subject joins a presentation prefix with its parts, e.g. sense.pose.predictions.
func Subject(prefix string, parts ...string) string {
	s := prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}
