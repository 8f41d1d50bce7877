package presentation

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sense/internal/bus"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
)

// BusSink publishes session output as JSON on <prefix>.<modality>.{predictions,state,overlay}
// and <prefix>.notify.
type BusSink struct {
	bus    *bus.Client
	prefix string
	log    *slog.Logger
	clock  func() time.Time
}

func NewBusSink(client *bus.Client, prefix string, log *slog.Logger) *BusSink {
	if prefix == "" {
		prefix = "sense"
	}
	return &BusSink{
		bus:    client,
		prefix: prefix,
		log:    log.With(slog.String("component", "bus-sink")),
		clock:  time.Now,
	}
}

func (s *BusSink) DisplayPredictions(target session.Modality, batch prediction.Batch) {
	s.publish(protocol.Subject(s.prefix, string(target), protocol.SubjectPredictSuffix), predictionMessage(target, batch))
}

func (s *BusSink) UpdateState(control session.Modality, state session.State, label string) {
	s.publish(protocol.Subject(s.prefix, string(control), protocol.SubjectStateSuffix), stateMessage(control, state, label, s.clock().UTC()))
}

func (s *BusSink) Notify(source session.Modality, message string, severity session.Severity) {
	s.publish(protocol.Subject(s.prefix, protocol.SubjectNotifySuffix), notifyMessage(source, message, severity, s.clock().UTC()))
}

func (s *BusSink) Render(target session.Modality, v session.Visual) {
	s.publish(protocol.Subject(s.prefix, string(target), protocol.SubjectOverlaySuffix), overlayMessage(target, v, s.clock().UTC()))
}

func (s *BusSink) Clear(target session.Modality) {
	s.publish(protocol.Subject(s.prefix, string(target), protocol.SubjectOverlaySuffix), clearedOverlay(target, s.clock().UTC()))
}

func (s *BusSink) publish(subject string, payload any) {
	conn := s.bus.Conn()
	if conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode presentation message", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		s.log.Warn("failed to publish presentation message", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
