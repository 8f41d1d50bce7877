package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/prediction"
)

// outcome is one ranked batch ready for presentation.
type outcome struct {
	predictions []prediction.Prediction
	visual      *Visual
	low         bool
	latency     time.Duration
}

// stream is an ordered, cancellable source of prediction batches. After stop
// returns, deliver is never called again.
type stream interface {
	start(deliver func(outcome)) error
	stop() error
}

// gate serializes delivery against stop. Delivery runs while holding the gate, so
// closing it waits out a batch already being presented.
type gate struct {
	mu     sync.Mutex
	closed bool
}

func (g *gate) pass(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	fn()
	return true
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// pushStream forwards listener callbacks.
type pushStream struct {
	listener model.Listener
	src      capture.Source
	cfg      model.ListenConfig
	labels   []string
	topK     int
	gate     gate
}

func newPushStream(listener model.Listener, src capture.Source, cfg model.ListenConfig, topK int) *pushStream {
	return &pushStream{listener: listener, src: src, cfg: cfg, labels: listener.Labels(), topK: topK}
}

func (s *pushStream) start(deliver func(outcome)) error {
	return s.listener.Listen(s.src, s.cfg, func(res model.Result) {
		began := time.Now()
		preds := prediction.Rank(prediction.FromScores(s.labels, res.Scores), s.topK)
		out := outcome{
			predictions: preds,
			visual:      &Visual{Scores: append([]float64(nil), res.Scores...)},
			low:         len(res.Scores) > 0 && prediction.MaxScore(res.Scores) < s.cfg.ProbabilityThreshold,
			latency:     time.Since(began),
		}
		s.gate.pass(func() { deliver(out) })
	})
}

func (s *pushStream) stop() error {
	s.gate.close()
	if err := s.listener.StopListening(); err != nil {
		return fmt.Errorf("stop listening: %w", err)
	}
	return nil
}

// predictFunc runs inference on one frame.
type predictFunc func(ctx context.Context, frame capture.Frame) ([]prediction.Prediction, *Visual, error)

// pullStream polls the capture source on a fixed interval.
type pullStream struct {
	src      capture.Source
	interval time.Duration
	topK     int
	predict  predictFunc
	onError  func(error)
	gate     gate

	cancel context.CancelFunc
	done   chan struct{}
}

func newPullStream(src capture.Source, interval time.Duration, topK int, predict predictFunc, onError func(error)) *pullStream {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &pullStream{src: src, interval: interval, topK: topK, predict: predict, onError: onError}
}

func (s *pullStream) start(deliver func(outcome)) error {
	if s.cancel != nil {
		return errors.New("stream already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.loop(ctx, deliver)
	}()
	return nil
}

func (s *pullStream) loop(ctx context.Context, deliver func(outcome)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if s.gate.isClosed() {
			return
		}
		s.tick(ctx, deliver)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *pullStream) tick(ctx context.Context, deliver func(outcome)) {
	frame := s.src.Update()
	if frame.Empty() {
		return
	}
	began := time.Now()
	preds, visual, err := s.predict(ctx, frame)
	if err != nil {
		if ctx.Err() == nil && s.onError != nil {
			s.onError(err)
		}
		return
	}
	out := outcome{
		predictions: prediction.Rank(preds, s.topK),
		visual:      visual,
		latency:     time.Since(began),
	}
	s.gate.pass(func() { deliver(out) })
}

// stop closes the gate and cancels the tick context. A predict call already in flight
// is not awaited; its result is dropped at the gate.
func (s *pullStream) stop() error {
	s.gate.close()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func classifierPredict(c model.Classifier) predictFunc {
	return func(ctx context.Context, frame capture.Frame) ([]prediction.Prediction, *Visual, error) {
		preds, err := c.Predict(ctx, frame)
		if err != nil {
			return nil, nil, err
		}
		return preds, nil, nil
	}
}

func posePredict(p model.PoseEstimator, minPartConfidence float64) predictFunc {
	return func(ctx context.Context, frame capture.Frame) ([]prediction.Prediction, *Visual, error) {
		pose, features, err := p.EstimatePose(ctx, frame)
		if err != nil {
			return nil, nil, fmt.Errorf("estimate pose: %w", err)
		}
		preds, err := p.Predict(ctx, features)
		if err != nil {
			return nil, nil, fmt.Errorf("classify pose: %w", err)
		}
		keypoints := make([]model.Keypoint, 0, len(pose.Keypoints))
		for _, kp := range pose.Keypoints {
			if kp.Score >= minPartConfidence {
				keypoints = append(keypoints, kp)
			}
		}
		return preds, &Visual{Keypoints: keypoints}, nil
	}
}
