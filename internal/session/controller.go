package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sense/internal/capture"
	"github.com/loqalabs/loqa-sense/internal/model"
	"github.com/loqalabs/loqa-sense/internal/prediction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// errSuperseded marks a start abandoned because a stop or destroy ran while it was loading.
var errSuperseded = errors.New("session: start superseded by stop")

// Config wires a controller to its collaborators.
type Config struct {
	Modality Modality
	Loader   model.Loader
	Model    model.Source
	Opener   capture.Opener
	Capture  capture.Spec
	Sink     Sink
	// Overlay defaults to NopOverlay.
	Overlay Overlay
	// TopK defaults to prediction.DefaultTopK.
	TopK int
	// FrameInterval paces pull-style modalities.
	FrameInterval     time.Duration
	Listen            model.ListenConfig
	MinPartConfidence float64
	Logger            *slog.Logger
	MeterProvider     metric.MeterProvider
	TracerProvider    trace.TracerProvider
}

// Status is a point-in-time view of a controller.
type Status struct {
	Modality     Modality   `json:"modality"`
	State        State      `json:"state"`
	Label        string     `json:"label"`
	ActivationID string     `json:"activation_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Batches      uint64     `json:"batches"`
	ModelLoaded  bool       `json:"model_loaded"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
}

// Controller runs the lifecycle of one modality. All methods are safe for
// concurrent use; at most one start is in flight at any time.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *instruments
	tracer  trace.Tracer
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	label       string
	gen         uint64
	destroyed   bool
	handle      model.Handle
	src         capture.Source
	stream      stream
	cancelStart context.CancelFunc
	activation  string
	startedAt   time.Time
	lastErr     string
	lastKind    ErrorKind

	seq     atomic.Uint64
	batches atomic.Uint64
	starts  sync.WaitGroup
}

func New(parent context.Context, cfg Config) (*Controller, error) {
	if _, ok := ParseModality(string(cfg.Modality)); !ok {
		return nil, fmt.Errorf("unknown modality %q", cfg.Modality)
	}
	if cfg.Loader == nil {
		return nil, errors.New("session: loader is required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("session: capture opener is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if cfg.Overlay == nil {
		cfg.Overlay = NopOverlay{}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = prediction.DefaultTopK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	inst, err := newInstruments(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("session instruments: %w", err)
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "session"), slog.String("modality", string(cfg.Modality))),
		metrics: inst,
		tracer:  tp.Tracer(instrumentationName),
		ctx:     ctx,
		cancel:  cancel,
		label:   labelsFor(cfg.Modality).idle,
	}, nil
}

func (c *Controller) Modality() Modality { return c.cfg.Modality }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Modality:     c.cfg.Modality,
		State:        c.state,
		Label:        c.label,
		ActivationID: c.activation,
		Batches:      c.batches.Load(),
		ModelLoaded:  c.handle != nil,
		LastError:    c.lastErr,
		ErrorKind:    c.lastKind,
	}
	if !c.startedAt.IsZero() {
		at := c.startedAt
		st.StartedAt = &at
	}
	return st
}

// Toggle starts an idle session in the background, stops an active one and
// ignores everything else.
func (c *Controller) Toggle(ctx context.Context) Action {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ActionNone
	}
	switch c.state {
	case Idle:
		startCtx, gen := c.beginLocked(ctx)
		c.starts.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.starts.Done()
			c.run(startCtx, gen)
		}()
		return ActionStart
	case Active:
		c.mu.Unlock()
		if c.Stop(ctx) {
			return ActionStop
		}
		return ActionNone
	default:
		c.mu.Unlock()
		return ActionNone
	}
}

// Start runs a start to completion. It reports false without doing anything when the
// session is not idle. Failures are reported to the sink, never returned.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	if c.destroyed || c.state != Idle {
		c.mu.Unlock()
		return false
	}
	startCtx, gen := c.beginLocked(ctx)
	c.starts.Add(1)
	c.mu.Unlock()
	defer c.starts.Done()
	c.run(startCtx, gen)
	return true
}

// beginLocked moves Idle to Loading. The returned context is cancelled by Stop and
// by Destroy, never by the caller's context ending.
func (c *Controller) beginLocked(ctx context.Context) (context.Context, uint64) {
	c.gen++
	startCtx, cancel := context.WithCancel(trace.ContextWithSpan(c.ctx, trace.SpanFromContext(ctx)))
	c.cancelStart = cancel
	c.lastErr, c.lastKind = "", ""
	c.setStateLocked(Loading, labelsFor(c.cfg.Modality).loading)
	return startCtx, c.gen
}

func (c *Controller) run(ctx context.Context, gen uint64) {
	ctx, span := c.tracer.Start(ctx, "session.start",
		trace.WithAttributes(attribute.String("modality", string(c.cfg.Modality))))
	defer span.End()

	err := c.start(ctx, gen)
	switch {
	case err == nil:
		c.metrics.recordStart(c.cfg.Modality, "active")
	case errors.Is(err, errSuperseded):
		span.SetAttributes(attribute.Bool("superseded", true))
		c.metrics.recordStart(c.cfg.Modality, "cancelled")
	default:
		kind := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		c.metrics.recordStart(c.cfg.Modality, string(kind))
	}
}

func (c *Controller) start(ctx context.Context, gen uint64) error {
	handle, err := c.obtainModel(ctx)
	if err != nil {
		return c.fail(gen, nil, err)
	}
	if !c.advance(gen, labelsFor(c.cfg.Modality).opening) {
		return errSuperseded
	}

	src, err := c.cfg.Opener.Open(c.cfg.Capture)
	if err != nil {
		return c.fail(gen, nil, fmt.Errorf("open capture: %w", err))
	}
	if !c.attach(gen, src) {
		c.release(src)
		return errSuperseded
	}
	if err := src.Setup(ctx); err != nil {
		return c.fail(gen, src, fmt.Errorf("capture setup: %w", err))
	}
	if err := src.Play(ctx); err != nil {
		return c.fail(gen, src, fmt.Errorf("capture play: %w", err))
	}
	st, err := c.newStream(handle, src)
	if err != nil {
		return c.fail(gen, src, err)
	}
	return c.activate(gen, src, st)
}

// obtainModel returns the retained handle or loads one. A loaded handle is kept
// across activations and released by Destroy.
func (c *Controller) obtainModel(ctx context.Context) (model.Handle, error) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != nil {
		return handle, nil
	}

	handle, err := c.cfg.Loader.Load(ctx, c.cfg.Model)
	if err != nil {
		if !errors.Is(err, model.ErrLoad) {
			err = fmt.Errorf("%w: %v", model.ErrLoad, err)
		}
		return nil, err
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		closeHandle(handle, c.log)
		return nil, errSuperseded
	}
	if c.handle != nil {
		existing := c.handle
		c.mu.Unlock()
		closeHandle(handle, c.log)
		return existing, nil
	}
	c.handle = handle
	c.mu.Unlock()
	c.log.Info("model loaded", slog.Int("classes", handle.TotalClasses()))
	return handle, nil
}

func (c *Controller) newStream(handle model.Handle, src capture.Source) (stream, error) {
	onError := func(err error) {
		c.metrics.recordTickFailure(c.cfg.Modality)
		c.log.Warn("prediction tick failed", slogError(err))
	}
	switch h := handle.(type) {
	case model.Listener:
		return newPushStream(h, src, c.cfg.Listen, c.cfg.TopK), nil
	case model.PoseEstimator:
		return newPullStream(src, c.cfg.FrameInterval, c.cfg.TopK, posePredict(h, c.cfg.MinPartConfidence), onError), nil
	case model.Classifier:
		return newPullStream(src, c.cfg.FrameInterval, c.cfg.TopK, classifierPredict(h), onError), nil
	default:
		return nil, fmt.Errorf("%w: handle %T cannot predict", model.ErrLoad, handle)
	}
}

func (c *Controller) advance(gen uint64, label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Loading {
		return false
	}
	c.setStateLocked(Loading, label)
	return true
}

func (c *Controller) attach(gen uint64, src capture.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Loading {
		return false
	}
	c.src = src
	return true
}

// activate publishes the stream and flips to Active. The stream starts under the
// lock so a concurrent Stop always finds it running.
func (c *Controller) activate(gen uint64, src capture.Source, st stream) error {
	c.mu.Lock()
	if c.gen != gen || c.state != Loading || c.src != src {
		c.mu.Unlock()
		return errSuperseded
	}
	activation := uuid.NewString()
	if err := st.start(c.deliverer(activation)); err != nil {
		c.mu.Unlock()
		return c.fail(gen, src, fmt.Errorf("start prediction stream: %w", err))
	}
	c.stream = st
	c.cancelStart = nil
	c.activation = activation
	c.startedAt = time.Now()
	c.batches.Store(0)
	l := labelsFor(c.cfg.Modality)
	c.setStateLocked(Active, l.active)
	c.cfg.Sink.Notify(c.cfg.Modality, l.started, SeveritySuccess)
	c.mu.Unlock()

	c.log.Info("session active", slog.String("activation_id", activation))
	return nil
}

// fail resets a start that is still current to Idle, releases src if this start still
// owns it and reports the failure once. A start that lost the race to Stop reports nothing.
func (c *Controller) fail(gen uint64, src capture.Source, err error) error {
	if errors.Is(err, errSuperseded) {
		return err
	}
	c.mu.Lock()
	current := c.gen == gen && c.state == Loading
	if !current {
		c.mu.Unlock()
		return errSuperseded
	}
	owned := src != nil && c.src == src
	if owned {
		c.src = nil
	}
	kind := Classify(err)
	c.lastErr, c.lastKind = err.Error(), kind
	c.cancelStart = nil
	c.setStateLocked(Idle, labelsFor(c.cfg.Modality).idle)
	c.cfg.Sink.Notify(c.cfg.Modality, NotificationFor(kind, unwrapCause(err)), SeverityError)
	c.mu.Unlock()

	if owned {
		c.release(src)
	}
	if isCancellation(err) {
		c.log.Info("session start cancelled", slogError(err))
	} else {
		c.log.Error("session start failed", slog.String("kind", string(kind)), slogError(err))
	}
	return err
}

// Stop returns an active or loading session to Idle. It reports whether it did anything.
func (c *Controller) Stop(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == Idle || c.state == Stopping {
		c.mu.Unlock()
		return false
	}
	c.gen++
	c.state = Stopping
	if c.cancelStart != nil {
		c.cancelStart()
		c.cancelStart = nil
	}
	st, src := c.stream, c.src
	c.stream, c.src = nil, nil
	activation := c.activation
	c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "session.stop", trace.WithAttributes(
		attribute.String("modality", string(c.cfg.Modality)),
		attribute.String("activation_id", activation),
	))
	defer span.End()

	if st != nil {
		if err := st.stop(); err != nil {
			c.log.Warn("stop prediction stream failed", slogError(err))
		}
	}
	if src != nil {
		c.release(src)
	}
	c.cfg.Overlay.Clear(c.cfg.Modality)

	c.mu.Lock()
	c.activation = ""
	c.startedAt = time.Time{}
	l := labelsFor(c.cfg.Modality)
	c.setStateLocked(Idle, l.idle)
	c.cfg.Sink.Notify(c.cfg.Modality, l.stopped, SeverityInfo)
	c.mu.Unlock()

	c.metrics.recordStop(c.cfg.Modality)
	c.log.Info("session stopped", slog.String("activation_id", activation))
	return true
}

// Destroy stops the session, waits for background starts (bounded by ctx) and
// releases the retained model. Later calls do nothing.
func (c *Controller) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	c.Stop(ctx)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.starts.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for pending start: %w", ctx.Err())
	}

	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()
	return errors.Join(waitErr, closeHandle(handle, c.log))
}

// Wait blocks until no background start is running.
func (c *Controller) Wait() {
	c.starts.Wait()
}

func (c *Controller) deliverer(activation string) func(outcome) {
	modality := c.cfg.Modality
	return func(o outcome) {
		batch := prediction.Batch{
			Modality:      string(modality),
			Seq:           c.seq.Add(1),
			Predictions:   o.predictions,
			LowConfidence: o.low,
			At:            time.Now(),
		}
		if batch.Predictions == nil {
			batch.Predictions = []prediction.Prediction{}
		}
		c.cfg.Sink.DisplayPredictions(modality, batch)
		if o.visual != nil {
			c.cfg.Overlay.Render(modality, *o.visual)
		}
		c.batches.Add(1)
		c.metrics.recordBatch(modality, o.latency)
	}
}

func (c *Controller) setStateLocked(state State, label string) {
	c.state = state
	c.label = label
	c.cfg.Sink.UpdateState(c.cfg.Modality, state, label)
}

func (c *Controller) release(src capture.Source) {
	if err := src.Stop(); err != nil {
		c.log.Warn("release capture failed", slogError(err))
	}
}

func closeHandle(handle model.Handle, log *slog.Logger) error {
	closer, ok := handle.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		log.Warn("close model failed", slogError(err))
		return fmt.Errorf("close model: %w", err)
	}
	return nil
}

// unwrapCause strips the wrapping added by start so notifications show the
// collaborator's own message.
func unwrapCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		switch next {
		case capture.ErrPermissionDenied, capture.ErrDeviceNotFound, capture.ErrDeviceBusy, model.ErrLoad:
			return err
		}
		err = next
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
