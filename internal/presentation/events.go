// Package presentation renders session output: NATS subjects, a browser websocket
// feed, the structured log and the event timeline. Every type here implements
// session.Sink; the bus, hub and fan-out sinks also implement session.Overlay.
package presentation

import (
	"time"

	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
)

// Event types carried in an Envelope.
const (
	EventPredictions = "predictions"
	EventState       = "state"
	EventNotify      = "notify"
	EventOverlay     = "overlay"
	EventStatus      = "status"
	EventError       = "error"
)

// Envelope frames every websocket message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func predictionMessage(target session.Modality, batch prediction.Batch) protocol.PredictionBatch {
	return protocol.PredictionBatch{Target: string(target), Batch: batch}
}

func stateMessage(control session.Modality, state session.State, label string, at time.Time) protocol.StateChange {
	return protocol.StateChange{Control: string(control), State: state.String(), Label: label, Timestamp: at}
}

func notifyMessage(source session.Modality, message string, severity session.Severity, at time.Time) protocol.Notification {
	return protocol.Notification{Source: string(source), Message: message, Severity: string(severity), Timestamp: at}
}

func overlayMessage(target session.Modality, v session.Visual, at time.Time) protocol.Overlay {
	msg := protocol.Overlay{Target: string(target), Scores: v.Scores, Timestamp: at}
	for _, kp := range v.Keypoints {
		msg.Keypoints = append(msg.Keypoints, protocol.Keypoint{Part: kp.Part, X: kp.X, Y: kp.Y, Score: kp.Score})
	}
	return msg
}

func clearedOverlay(target session.Modality, at time.Time) protocol.Overlay {
	return protocol.Overlay{Target: string(target), Cleared: true, Timestamp: at}
}

// Multi fans every call out to each member. Overlay calls reach the members that
// implement session.Overlay.
type Multi []session.Sink

func (m Multi) DisplayPredictions(target session.Modality, batch prediction.Batch) {
	for _, s := range m {
		s.DisplayPredictions(target, batch)
	}
}

func (m Multi) UpdateState(control session.Modality, state session.State, label string) {
	for _, s := range m {
		s.UpdateState(control, state, label)
	}
}

func (m Multi) Notify(source session.Modality, message string, severity session.Severity) {
	for _, s := range m {
		s.Notify(source, message, severity)
	}
}

func (m Multi) Render(target session.Modality, v session.Visual) {
	for _, s := range m {
		if o, ok := s.(session.Overlay); ok {
			o.Render(target, v)
		}
	}
}

func (m Multi) Clear(target session.Modality) {
	for _, s := range m {
		if o, ok := s.(session.Overlay); ok {
			o.Clear(target)
		}
	}
}
