// Package model defines the handles the recognizer sessions drive: image
// classifiers and pose estimators polled once per frame, and audio listeners that
// push score vectors through a callback.
//
// Handles come from a Loader given a checkpoint and metadata location, following
// the Teachable Machine layout (<base>/model.json, <base>/metadata.json).
package model

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/prediction"
)

// ErrLoad wraps every failure to obtain a model handle.
var ErrLoad = errors.New("model load failed")

// ErrListening is returned by Listen when the listener is already registered.
var ErrListening = errors.New("model: listener already active")

// Kind identifies what a model classifies.
type Kind string

const (
	KindImage Kind = "image"
	KindPose  Kind = "pose"
	KindAudio Kind = "audio"
)

// Source locates a model's weights and metadata.
type Source struct {
	CheckpointURL string
	MetadataURL   string
}

// SourceFromBase builds a Source from a Teachable Machine model base URL.
func SourceFromBase(base string) Source {
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return Source{
		CheckpointURL: base + "model.json",
		MetadataURL:   base + "metadata.json",
	}
}

// Handle is a loaded model. The label vocabulary is fixed at load time.
type Handle interface {
	Labels() []string
	TotalClasses() int
}

// Classifier predicts class confidences for a single camera frame.
type Classifier interface {
	Handle
	Predict(ctx context.Context, frame capture.Frame) ([]prediction.Prediction, error)
}

// Keypoint is one body landmark in frame coordinates.
type Keypoint struct {
	Part  string
	X     float64
	Y     float64
	Score float64
}

// Pose is the estimator output for one frame.
type Pose struct {
	Score     float64
	Keypoints []Keypoint
}

// PoseEstimator runs pose estimation on a frame, then classifies the derived features.
type PoseEstimator interface {
	Handle
	EstimatePose(ctx context.Context, frame capture.Frame) (Pose, []float64, error)
	Predict(ctx context.Context, features []float64) ([]prediction.Prediction, error)
}

// ListenConfig mirrors the knobs of a streaming keyword spotter.
type ListenConfig struct {
	// ProbabilityThreshold marks results whose best score falls below it. Results are
	// still delivered; the consumer decides how to flag them.
	ProbabilityThreshold float64
	// OverlapFactor in [0,1) controls how much consecutive analysis windows overlap.
	OverlapFactor float64
	// IncludeSpectrogram attaches the analysed window's energy profile to each Result.
	IncludeSpectrogram bool
	// InvokeCallbackOnNoiseAndUnknown delivers results whose best class is background
	// noise or an unknown word.
	InvokeCallbackOnNoiseAndUnknown bool
}

// Spectrogram is a coarse per-frame energy profile of an analysed window.
type Spectrogram struct {
	FrameSize int
	Data      []float64
}

// Result is one listener callback payload: a score per label, in label order.
type Result struct {
	Scores      []float64
	Spectrogram *Spectrogram
}

// Listener is a push-style audio model. Listen registers exactly one callback;
// after StopListening returns the callback is never invoked again.
type Listener interface {
	Handle
	Listen(src capture.Source, cfg ListenConfig, fn func(Result)) error
	StopListening() error
}

// Loader obtains a model handle. Failures wrap ErrLoad.
type Loader interface {
	Load(ctx context.Context, src Source) (Handle, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, src Source) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context, src Source) (Handle, error) { return f(ctx, src) }

// IsNoiseOrUnknown reports whether a label names the background-noise or unknown-word class
// of a keyword spotter.
func IsNoiseOrUnknown(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	switch l {
	case "_background_noise_", "background noise", "ruido de fondo", "_unknown_", "unknown":
		return true
	}
	return false
}

func shouldDeliver(cfg ListenConfig, labels []string, scores []float64) bool {
	if cfg.InvokeCallbackOnNoiseAndUnknown || len(scores) == 0 {
		return true
	}
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best >= len(labels) || !IsNoiseOrUnknown(labels[best])
}
