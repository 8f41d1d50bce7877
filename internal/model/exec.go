package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/mattn/go-shellwords"
)

// ExecOptions configures models that delegate inference to an external command.
type ExecOptions struct {
	Command    string
	HTTPClient *http.Client
	// Window is the audio analysis window length.
	Window time.Duration
	Logger *slog.Logger
}

type execLoader struct {
	kind Kind
	cmd  []string
	opts ExecOptions
}

// NewExecLoader returns a loader that reads the label vocabulary from the model's
// metadata and runs the configured command for every inference. The command
// receives --checkpoint and --metadata plus a per-request input and must print
// {"scores":[...]} (or keypoints and features for pose estimation) as JSON.
func NewExecLoader(kind Kind, opts ExecOptions) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &execLoader{kind: kind, cmd: args, opts: opts}, nil
}

func (l *execLoader) Load(ctx context.Context, src Source) (Handle, error) {
	meta, err := LoadMetadata(ctx, l.opts.HTTPClient, src.MetadataURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	base := &execBase{cmd: l.cmd, src: src, labels: meta.Vocabulary()}
	switch l.kind {
	case KindImage:
		return &execClassifier{execBase: base}, nil
	case KindPose:
		return &execPose{execBase: base}, nil
	case KindAudio:
		return &execListener{
			execBase: base,
			window:   l.opts.Window,
			log:      l.opts.Logger.With(slog.String("component", "exec-listener")),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", ErrLoad, l.kind)
	}
}

type execBase struct {
	cmd    []string
	src    Source
	labels []string
	mu     sync.Mutex
}

type execScores struct {
	Scores []float64 `json:"scores"`
}

func (e *execBase) Labels() []string  { return append([]string(nil), e.labels...) }
func (e *execBase) TotalClasses() int { return len(e.labels) }

func (e *execBase) run(ctx context.Context, stdin []byte, extra ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--checkpoint", e.src.CheckpointURL, "--metadata", e.src.MetadataURL)
	args = append(args, extra...)

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (e *execBase) scores(ctx context.Context, stdin []byte, extra ...string) ([]float64, error) {
	out, err := e.run(ctx, stdin, extra...)
	if err != nil {
		return nil, err
	}
	var resp execScores
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return resp.Scores, nil
}

func writeTemp(pattern string, data []byte) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return file.Name(), nil
}

func frameArgs(frame capture.Frame, path string) []string {
	args := []string{"--image", path}
	if frame.Format != "" {
		args = append(args, "--format", frame.Format)
	}
	if frame.Width > 0 && frame.Height > 0 {
		args = append(args, "--size", fmt.Sprintf("%dx%d", frame.Width, frame.Height))
	}
	return args
}

type execClassifier struct{ *execBase }

func (c *execClassifier) Predict(ctx context.Context, frame capture.Frame) ([]prediction.Prediction, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("no frame available")
	}
	path, err := writeTemp("loqa_frame_*", frame.Data)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	scores, err := c.scores(ctx, nil, frameArgs(frame, path)...)
	if err != nil {
		return nil, err
	}
	return prediction.FromScores(c.labels, scores), nil
}

type execPose struct{ *execBase }

type execPoseResponse struct {
	Score     float64 `json:"score"`
	Keypoints []struct {
		Part  string  `json:"part"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Score float64 `json:"score"`
	} `json:"keypoints"`
	Features []float64 `json:"features"`
}

func (p *execPose) EstimatePose(ctx context.Context, frame capture.Frame) (Pose, []float64, error) {
	if frame.Empty() {
		return Pose{}, nil, fmt.Errorf("no frame available")
	}
	path, err := writeTemp("loqa_pose_*", frame.Data)
	if err != nil {
		return Pose{}, nil, err
	}
	defer os.Remove(path)

	out, err := p.run(ctx, nil, append([]string{"--pose"}, frameArgs(frame, path)...)...)
	if err != nil {
		return Pose{}, nil, err
	}
	var resp execPoseResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Pose{}, nil, fmt.Errorf("decode pose response: %w", err)
	}
	pose := Pose{Score: resp.Score, Keypoints: make([]Keypoint, 0, len(resp.Keypoints))}
	for _, kp := range resp.Keypoints {
		pose.Keypoints = append(pose.Keypoints, Keypoint{Part: kp.Part, X: kp.X, Y: kp.Y, Score: kp.Score})
	}
	return pose, resp.Features, nil
}

func (p *execPose) Predict(ctx context.Context, features []float64) ([]prediction.Prediction, error) {
	payload, err := json.Marshal(map[string]any{"features": features})
	if err != nil {
		return nil, err
	}
	scores, err := p.scores(ctx, payload, "--pose-features")
	if err != nil {
		return nil, err
	}
	return prediction.FromScores(p.labels, scores), nil
}

type execListener struct {
	*execBase
	window time.Duration
	log    *slog.Logger

	lmu    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *execListener) Listen(src capture.Source, cfg ListenConfig, fn func(Result)) error {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	if l.cancel != nil {
		return ErrListening
	}
	hop := hopFor(l.window, cfg.OverlapFactor)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		l.loop(ctx, src, cfg, hop, fn)
	}()
	return nil
}

func (l *execListener) loop(ctx context.Context, src capture.Source, cfg ListenConfig, hop time.Duration, fn func(Result)) {
	ticker := time.NewTicker(hop)
	defer ticker.Stop()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame := src.Update()
		buf = append(buf, frame.Data...)
		if frame.SampleRate <= 0 {
			continue
		}
		channels := frame.Channels
		if channels <= 0 {
			channels = 1
		}
		windowBytes := int(l.window.Seconds()*float64(frame.SampleRate)) * channels * 2
		if windowBytes <= 0 || len(buf) < windowBytes {
			continue
		}
		buf = append([]byte(nil), buf[len(buf)-windowBytes:]...)

		scores, err := l.classify(ctx, buf, frame.SampleRate, channels)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("audio window classification failed", slog.String("error", err.Error()))
			}
			continue
		}
		if !shouldDeliver(cfg, l.labels, scores) {
			continue
		}
		res := Result{Scores: scores}
		if cfg.IncludeSpectrogram {
			res.Spectrogram = energyProfile(buf, channels)
		}
		if ctx.Err() != nil {
			return
		}
		fn(res)
	}
}

func (l *execListener) classify(ctx context.Context, pcm []byte, sampleRate, channels int) ([]float64, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_audio_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return l.scores(ctx, nil, "--audio", file.Name())
}

func (l *execListener) StopListening() error {
	l.lmu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lmu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
