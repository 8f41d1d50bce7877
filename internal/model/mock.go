package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/prediction"
)

var defaultMockLabels = map[Kind][]string{
	KindImage: {"Class 1", "Class 2", "Class 3"},
	KindPose:  {"Standing", "Sitting", "Arms up"},
	KindAudio: {"Background Noise", "Clap", "Whistle", "Snap"},
}

var posenetParts = []string{
	"nose", "leftEye", "rightEye", "leftEar", "rightEar",
	"leftShoulder", "rightShoulder", "leftElbow", "rightElbow",
	"leftWrist", "rightWrist", "leftHip", "rightHip",
	"leftKnee", "rightKnee", "leftAnkle", "rightAnkle",
}

type mockLoader struct {
	kind   Kind
	labels []string
	window time.Duration
}

// NewMockLoader returns a loader whose handles produce deterministic scores that
// rotate the winning class on every call. An empty label list uses a built-in
// vocabulary for the kind. window is the audio analysis window; listeners hop by
// window*(1-overlap).
func NewMockLoader(kind Kind, labels []string, window time.Duration) Loader {
	if len(labels) == 0 {
		labels = defaultMockLabels[kind]
	}
	if window <= 0 {
		window = time.Second
	}
	return &mockLoader{kind: kind, labels: append([]string(nil), labels...), window: window}
}

func (l *mockLoader) Load(ctx context.Context, src Source) (Handle, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLoad, ctx.Err())
	case <-time.After(20 * time.Millisecond):
	}
	if src.CheckpointURL == "" || src.MetadataURL == "" {
		return nil, fmt.Errorf("%w: checkpoint and metadata locations are required", ErrLoad)
	}
	base := &mockBase{labels: l.labels}
	switch l.kind {
	case KindImage:
		return &mockClassifier{mockBase: base}, nil
	case KindPose:
		return &mockPose{mockBase: base}, nil
	case KindAudio:
		return &mockListener{mockBase: base, window: l.window}, nil
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", ErrLoad, l.kind)
	}
}

type mockBase struct {
	labels []string
	mu     sync.Mutex
	step   int
}

func (m *mockBase) Labels() []string  { return append([]string(nil), m.labels...) }
func (m *mockBase) TotalClasses() int { return len(m.labels) }

func (m *mockBase) nextScores() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.labels)
	scores := make([]float64, n)
	if n == 0 {
		return scores
	}
	winner := m.step % n
	m.step++
	for i := range scores {
		if i == winner {
			scores[i] = 0.8
		} else if n > 1 {
			scores[i] = 0.2 / float64(n-1)
		}
	}
	if n == 1 {
		scores[0] = 1
	}
	return scores
}

type mockClassifier struct{ *mockBase }

func (m *mockClassifier) Predict(ctx context.Context, _ capture.Frame) ([]prediction.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prediction.FromScores(m.labels, m.nextScores()), nil
}

type mockPose struct{ *mockBase }

func (m *mockPose) EstimatePose(ctx context.Context, frame capture.Frame) (Pose, []float64, error) {
	if err := ctx.Err(); err != nil {
		return Pose{}, nil, err
	}
	w, h := float64(frame.Width), float64(frame.Height)
	if w == 0 || h == 0 {
		w, h = 480, 480
	}
	pose := Pose{Score: 0.9, Keypoints: make([]Keypoint, len(posenetParts))}
	features := make([]float64, 0, len(posenetParts)*2)
	for i, part := range posenetParts {
		x := w * (0.3 + 0.4*float64(i%2))
		y := h * float64(i+1) / float64(len(posenetParts)+1)
		score := 0.95
		if i%4 == 3 {
			score = 0.3
		}
		pose.Keypoints[i] = Keypoint{Part: part, X: x, Y: y, Score: score}
		features = append(features, x/w, y/h)
	}
	return pose, features, nil
}

func (m *mockPose) Predict(ctx context.Context, _ []float64) ([]prediction.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prediction.FromScores(m.labels, m.nextScores()), nil
}

type mockListener struct {
	*mockBase
	window time.Duration

	lmu    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *mockListener) Listen(src capture.Source, cfg ListenConfig, fn func(Result)) error {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.cancel != nil {
		return ErrListening
	}
	hop := hopFor(m.window, cfg.OverlapFactor)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(hop)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			frame := src.Update()
			scores := m.nextScores()
			if !shouldDeliver(cfg, m.labels, scores) {
				continue
			}
			res := Result{Scores: scores}
			if cfg.IncludeSpectrogram {
				res.Spectrogram = energyProfile(frame.Data, frame.Channels)
			}
			if ctx.Err() != nil {
				return
			}
			fn(res)
		}
	}()
	return nil
}

func (m *mockListener) StopListening() error {
	m.lmu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lmu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
