package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// SyntheticOpener produces generated frames without any hardware: a moving gradient
// for cameras and a sine tone for microphones. It backs local runs and demos.
type SyntheticOpener struct {
	clock func() time.Time
}

func NewSyntheticOpener() *SyntheticOpener {
	return &SyntheticOpener{clock: time.Now}
}

func (o *SyntheticOpener) Open(spec Spec) (Source, error) {
	if spec.Kind == Microphone {
		if spec.SampleRate <= 0 {
			spec.SampleRate = 16000
		}
		if spec.Channels <= 0 {
			spec.Channels = 1
		}
	} else {
		if spec.Width <= 0 {
			spec.Width = 64
		}
		if spec.Height <= 0 {
			spec.Height = 48
		}
	}
	return &syntheticSource{spec: spec, clock: o.clock}, nil
}

type syntheticSource struct {
	spec  Spec
	clock func() time.Time

	mu      sync.Mutex
	playing bool
	stopped bool
	seq     uint64
	last    time.Time
	phase   float64
}

func (s *syntheticSource) Kind() Kind { return s.spec.Kind }

func (s *syntheticSource) Setup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	return nil
}

func (s *syntheticSource) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.playing = true
	s.last = s.clock()
	return nil
}

func (s *syntheticSource) Update() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || s.stopped {
		return Frame{Device: s.spec.Device, Kind: s.spec.Kind}
	}
	now := s.clock()
	s.seq++
	frame := Frame{
		Device:    s.spec.Device,
		Sequence:  s.seq,
		Kind:      s.spec.Kind,
		Timestamp: now.UTC(),
	}
	if s.spec.Kind == Microphone {
		elapsed := now.Sub(s.last)
		s.last = now
		frame.SampleRate = s.spec.SampleRate
		frame.Channels = s.spec.Channels
		frame.Format = "pcm_s16le"
		frame.Data = s.tone(elapsed)
		return frame
	}
	frame.Width = s.spec.Width
	frame.Height = s.spec.Height
	frame.Format = "rgb24"
	frame.Data = s.gradient()
	return frame
}

func (s *syntheticSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.playing = false
	return nil
}

func (s *syntheticSource) tone(elapsed time.Duration) []byte {
	samples := int(elapsed.Seconds() * float64(s.spec.SampleRate))
	if samples <= 0 {
		return nil
	}
	const freq = 440.0
	step := 2 * math.Pi * freq / float64(s.spec.SampleRate)
	out := make([]byte, samples*2*s.spec.Channels)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(s.phase) * 0.3 * math.MaxInt16)
		s.phase += step
		for c := 0; c < s.spec.Channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*s.spec.Channels+c)*2:], uint16(v))
		}
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return out
}

func (s *syntheticSource) gradient() []byte {
	w, h := s.spec.Width, s.spec.Height
	out := make([]byte, w*h*3)
	shift := int(s.seq)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			col := x
			if s.spec.Flip {
				col = w - 1 - x
			}
			i := (y*w + x) * 3
			out[i] = byte((col + shift) % 256)
			out[i+1] = byte((y + shift) % 256)
			out[i+2] = byte((col + y) % 256)
		}
	}
	return out
}
