package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-sense/internal/session"

type instruments struct {
	starts       metric.Int64Counter
	stops        metric.Int64Counter
	batches      metric.Int64Counter
	tickFailures metric.Int64Counter
	latency      metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var inst instruments
	var err error
	if inst.starts, err = meter.Int64Counter("sense.session.starts",
		metric.WithDescription("Session start attempts by outcome")); err != nil {
		return nil, err
	}
	if inst.stops, err = meter.Int64Counter("sense.session.stops",
		metric.WithDescription("Sessions returned to idle by stop")); err != nil {
		return nil, err
	}
	if inst.batches, err = meter.Int64Counter("sense.predictions.batches",
		metric.WithDescription("Prediction batches delivered to presentation")); err != nil {
		return nil, err
	}
	if inst.tickFailures, err = meter.Int64Counter("sense.predictions.tick_failures",
		metric.WithDescription("Prediction ticks that failed and produced no batch")); err != nil {
		return nil, err
	}
	if inst.latency, err = meter.Float64Histogram("sense.predictions.latency",
		metric.WithDescription("Inference and ranking time per batch"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (i *instruments) recordStart(m Modality, outcome string) {
	i.starts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("modality", string(m)),
		attribute.String("outcome", outcome),
	))
}

func (i *instruments) recordStop(m Modality) {
	i.stops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("modality", string(m))))
}

func (i *instruments) recordBatch(m Modality, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("modality", string(m)))
	i.batches.Add(context.Background(), 1, attrs)
	i.latency.Record(context.Background(), float64(latency)/float64(time.Millisecond), attrs)
}

func (i *instruments) recordTickFailure(m Modality) {
	i.tickFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("modality", string(m))))
}
