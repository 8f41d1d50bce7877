package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/nats-io/nats.go"
)

// maxPendingPCM bounds buffered microphone audio between two Update calls.
const maxPendingPCM = 1 << 20

// BusOpener opens sources backed by edge devices that stream frames over NATS.
type BusOpener struct {
	conn    *nats.Conn
	timeout time.Duration
	log     *slog.Logger
}

func NewBusOpener(conn *nats.Conn, openTimeout time.Duration, log *slog.Logger) *BusOpener {
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &BusOpener{conn: conn, timeout: openTimeout, log: log.With(slog.String("component", "capture-bus"))}
}

func (o *BusOpener) Open(spec Spec) (Source, error) {
	if spec.Device == "" {
		return nil, fmt.Errorf("%w: empty device name", ErrDeviceNotFound)
	}
	if o.conn == nil {
		return nil, errors.New("capture: bus connection not available")
	}
	return &busSource{conn: o.conn, spec: spec, timeout: o.timeout, log: o.log.With(slog.String("device", spec.Device))}, nil
}

type busSource struct {
	conn    *nats.Conn
	spec    Spec
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	sub       *nats.Subscription
	latest    *Frame
	pcm       []byte
	current   Frame
	received  uint64
	requested bool // the open request may have reached the device
	stopped   bool
}

func (s *busSource) Kind() Kind { return s.spec.Kind }

func (s *busSource) Setup(ctx context.Context) error {
	req := protocol.CaptureOpen{
		Device:     s.spec.Device,
		Kind:       string(s.spec.Kind),
		Width:      s.spec.Width,
		Height:     s.spec.Height,
		Flip:       s.spec.Flip,
		SampleRate: s.spec.SampleRate,
		Channels:   s.spec.Channels,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.requested = true
	s.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg, err := s.conn.RequestWithContext(reqCtx, protocol.CaptureOpenSubject(s.spec.Device), data)
	if s.isStopped() {
		// Stop may have published close before the open request went out.
		s.publishClose()
		return ErrStopped
	}
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: no device answering on %s", ErrDeviceNotFound, s.spec.Device)
		}
		return fmt.Errorf("open capture device %s: %w", s.spec.Device, err)
	}

	var reply protocol.CaptureOpenReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode capture open reply: %w", err)
	}
	if !reply.OK {
		return ErrorFromCode(reply.Code, reply.Message)
	}

	if s.isStopped() {
		s.publishClose()
		return ErrStopped
	}
	return nil
}

func (s *busSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *busSource) publishClose() {
	if err := s.conn.Publish(protocol.CaptureCloseSubject(s.spec.Device), nil); err != nil {
		s.log.Warn("failed to publish capture close", slog.String("error", err.Error()))
	}
}

func (s *busSource) Play(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.sub != nil {
		return nil
	}
	sub, err := s.conn.Subscribe(protocol.CaptureFrameSubject(s.spec.Device), s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe capture frames: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *busSource) handleFrame(msg *nats.Msg) {
	var in protocol.CaptureFrame
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.log.Warn("failed to decode capture frame", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.received++
	if s.spec.Kind == Microphone {
		s.pcm = append(s.pcm, in.Data...)
		if over := len(s.pcm) - maxPendingPCM; over > 0 {
			s.pcm = append([]byte(nil), s.pcm[over:]...)
		}
		return
	}
	frame := frameFromMessage(in, s.spec.Kind)
	s.latest = &frame
}

func (s *busSource) Update() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spec.Kind == Microphone {
		frame := Frame{
			Device:     s.spec.Device,
			Sequence:   s.received,
			Kind:       Microphone,
			SampleRate: s.spec.SampleRate,
			Channels:   s.spec.Channels,
			Format:     "pcm_s16le",
			Data:       s.pcm,
			Timestamp:  time.Now().UTC(),
		}
		s.pcm = nil
		s.current = frame
		return frame
	}
	if s.latest != nil {
		s.current = *s.latest
		s.latest = nil
	}
	return s.current
}

func (s *busSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sub := s.sub
	requested := s.requested
	s.sub = nil
	s.latest = nil
	s.pcm = nil
	s.mu.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe frames: %w", err))
		}
	}
	if requested {
		if err := s.conn.Publish(protocol.CaptureCloseSubject(s.spec.Device), nil); err != nil {
			errs = append(errs, fmt.Errorf("publish close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func frameFromMessage(in protocol.CaptureFrame, kind Kind) Frame {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Frame{
		Device:     in.Device,
		Sequence:   in.Sequence,
		Kind:       kind,
		Width:      in.Width,
		Height:     in.Height,
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Format:     in.Format,
		Data:       in.Data,
		Timestamp:  ts,
	}
}
