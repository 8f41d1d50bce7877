package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-sense/internal/protocol"
	"github.com/loqalabs/loqa-sense/internal/session"
	"github.com/nats-io/nats.go"
)

type controlReply struct {
	Status *session.Status `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ControlSubject is the request subject that controls one modality.
func ControlSubject(prefix string, m session.Modality) string {
	return protocol.Subject(prefix, protocol.SubjectControlPrefix, string(m))
}

func (r *Runtime) subscribeControl() error {
	subject := protocol.Subject(r.cfg.Presentation.SubjectPrefix, protocol.SubjectControlPrefix, "*")
	sub, err := r.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		r.handlerMu.Lock()
		defer r.handlerMu.Unlock()
		if r.closing {
			return
		}
		r.handlers.Add(1)
		go func() {
			defer r.handlers.Done()
			r.handleControlMsg(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	r.control = sub
	return nil
}

// handleControlMsg runs on its own goroutine so a stop can cancel a start that is
// still loading.
func (r *Runtime) handleControlMsg(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.respond(msg, controlReply{Error: "invalid control request: " + err.Error()})
		return
	}
	name := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	m, ok := session.ParseModality(name)
	if !ok {
		r.respond(msg, controlReply{Error: "unknown modality " + name})
		return
	}
	status, err := r.Control(context.Background(), m, req.Action)
	if err != nil {
		r.logger.Warn("control request rejected",
			slog.String("modality", name),
			slog.String("action", req.Action),
			slogError(err),
		)
		r.respond(msg, controlReply{Error: err.Error()})
		return
	}
	r.respond(msg, controlReply{Status: &status})
}

func (r *Runtime) respond(msg *nats.Msg, reply controlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("encode control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("send control reply", slogError(err))
	}
}
