// Package capture abstracts live camera and microphone streams.
//
// A Source is acquired through an Opener, prepared with Setup, started with Play,
// sampled with Update and released with Stop. Implementations are safe for
// concurrent use: a prediction loop may call Update while a lifecycle controller
// calls Stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the media a source produces.
type Kind string

const (
	Camera     Kind = "camera"
	Microphone Kind = "microphone"
)

var (
	// ErrPermissionDenied means the user or platform refused device access.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrDeviceNotFound means no matching device is available.
	ErrDeviceNotFound = errors.New("capture: device not found")
	// ErrDeviceBusy means the device exists but is held by another consumer.
	ErrDeviceBusy = errors.New("capture: device busy")
	// ErrStopped is returned by Play after Stop.
	ErrStopped = errors.New("capture: source stopped")
)

// Frame is one sample from a source. Camera frames carry encoded image bytes;
// microphone frames carry little-endian 16-bit PCM.
type Frame struct {
	Device     string
	Sequence   uint64
	Kind       Kind
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Format     string
	Data       []byte
	Timestamp  time.Time
}

// Empty reports whether the frame carries no payload.
func (f Frame) Empty() bool { return len(f.Data) == 0 }

// Spec describes the device a session wants.
type Spec struct {
	Device     string
	Kind       Kind
	Width      int
	Height     int
	Flip       bool
	SampleRate int
	Channels   int
}

// Source is an open camera or microphone stream.
type Source interface {
	Kind() Kind
	// Setup requests access to the device. Failures wrap one of the Err* sentinels when the
	// reason is known.
	Setup(ctx context.Context) error
	// Play starts frame delivery.
	Play(ctx context.Context) error
	// Update advances the internal buffer and returns the current frame. Cameras return the
	// newest frame; microphones return all PCM gathered since the previous call.
	Update() Frame
	// Stop releases the device. It is safe to call more than once.
	Stop() error
}

// Opener creates sources for a spec.
type Opener interface {
	Open(spec Spec) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(spec Spec) (Source, error)

func (f OpenerFunc) Open(spec Spec) (Source, error) { return f(spec) }

// ErrorFromCode maps a device failure reason to a sentinel. Unknown codes keep the raw
// message and match none of the sentinels.
func ErrorFromCode(code, message string) error {
	var base error
	switch code {
	case "NotAllowedError", "PermissionDeniedError", "permission_denied":
		base = ErrPermissionDenied
	case "NotFoundError", "DevicesNotFoundError", "not_found":
		base = ErrDeviceNotFound
	case "NotReadableError", "TrackStartError", "busy":
		base = ErrDeviceBusy
	default:
		if message == "" {
			message = code
		}
		if message == "" {
			message = "device error"
		}
		return errors.New(message)
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
