package presentation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sense/internal/eventstore"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/session"
)

// Session outcomes written by the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

type recordKind int

const (
	recordState recordKind = iota
	recordNotify
	recordBatch
)

type record struct {
	kind     recordKind
	modality session.Modality
	state    session.State
	label    string
	message  string
	severity session.Severity
	batch    prediction.Batch
	at       time.Time
}

type timeline struct {
	id       string
	reached  bool
	finished bool
}

// Recorder writes the session timeline to the event store from a background worker.
// Each pass from Loading back to Idle becomes one stored session.
type Recorder struct {
	store             *eventstore.Store
	log               *slog.Logger
	recordPredictions bool
	clock             func() time.Time

	mu      sync.Mutex
	closed  bool
	queue   chan record
	done    chan struct{}
	dropped atomic.Uint64

	timelines map[session.Modality]*timeline // owned by the worker
}

func NewRecorder(store *eventstore.Store, recordPredictions bool, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:             store,
		log:               log.With(slog.String("component", "recorder")),
		recordPredictions: recordPredictions,
		clock:             time.Now,
		queue:             make(chan record, buffer),
		done:              make(chan struct{}),
		timelines:         make(map[session.Modality]*timeline),
	}
	go r.run()
	return r
}

func (r *Recorder) DisplayPredictions(target session.Modality, batch prediction.Batch) {
	if !r.recordPredictions {
		return
	}
	r.enqueue(record{kind: recordBatch, modality: target, batch: batch})
}

func (r *Recorder) UpdateState(control session.Modality, state session.State, label string) {
	r.enqueue(record{kind: recordState, modality: control, state: state, label: label})
}

func (r *Recorder) Notify(source session.Modality, message string, severity session.Severity) {
	r.enqueue(record{kind: recordNotify, modality: source, message: message, severity: severity})
}

// Dropped reports records discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) enqueue(rec record) {
	rec.at = r.clock().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("event recorder queue full; dropping records")
		}
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for rec := range r.queue {
		if err := r.apply(ctx, rec); err != nil {
			r.log.Warn("failed to record event", slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) apply(ctx context.Context, rec record) error {
	switch rec.kind {
	case recordState:
		return r.applyState(ctx, rec)
	case recordNotify:
		tl := r.timelines[rec.modality]
		if tl == nil {
			return nil
		}
		if err := r.append(ctx, tl.id, rec.modality, "notification", notifyMessage(rec.modality, rec.message, rec.severity, rec.at), rec.at); err != nil {
			return err
		}
		if rec.severity == session.SeverityError && tl.finished && !tl.reached {
			return r.store.EndSession(ctx, tl.id, OutcomeFailed)
		}
		return nil
	case recordBatch:
		tl := r.timelines[rec.modality]
		if tl == nil || tl.finished {
			return nil
		}
		return r.append(ctx, tl.id, rec.modality, "predictions", rec.batch, rec.at)
	}
	return nil
}

func (r *Recorder) applyState(ctx context.Context, rec record) error {
	tl := r.timelines[rec.modality]
	if rec.state == session.Loading && (tl == nil || tl.finished) {
		tl = &timeline{id: uuid.NewString()}
		r.timelines[rec.modality] = tl
		if err := r.store.BeginSession(ctx, tl.id, string(rec.modality)); err != nil {
			return err
		}
	}
	if tl == nil {
		return nil
	}
	if err := r.append(ctx, tl.id, rec.modality, "state", stateMessage(rec.modality, rec.state, rec.label, rec.at), rec.at); err != nil {
		return err
	}
	switch rec.state {
	case session.Active:
		tl.reached = true
	case session.Idle:
		if tl.finished {
			return nil
		}
		tl.finished = true
		outcome := OutcomeAborted
		if tl.reached {
			outcome = OutcomeCompleted
		}
		return r.store.EndSession(ctx, tl.id, outcome)
	}
	return nil
}

func (r *Recorder) append(ctx context.Context, sessionID string, modality session.Modality, typ string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Modality:  string(modality),
		Type:      typ,
		Payload:   data,
		CreatedAt: at,
	})
}
