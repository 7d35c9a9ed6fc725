package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SagaMetrics holds the OpenTelemetry instruments for saga monitoring
type SagaMetrics struct {
	sagaTotal         metric.Int64Counter
	sagaDuration      metric.Float64Histogram
	sagaSteps         metric.Int64Counter
	compensationTotal metric.Int64Counter
	sagaErrors        metric.Int64Counter
}

// NewSagaMetrics creates the saga instruments on the global meter provider
func NewSagaMetrics() (*SagaMetrics, error) {
	meter := otel.Meter("saga-orchestrator")

	sagaTotal, err := meter.Int64Counter("saga_requests_total",
		metric.WithDescription("Total number of sagas started, by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create saga counter: %w", err)
	}

	sagaDuration, err := meter.Float64Histogram("saga_duration_seconds",
		metric.WithDescription("Saga execution duration in seconds"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	sagaSteps, err := meter.Int64Counter("saga_steps_total",
		metric.WithDescription("Total number of saga steps executed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create step counter: %w", err)
	}

	compensationTotal, err := meter.Int64Counter("saga_compensation_total",
		metric.WithDescription("Total number of compensations executed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create compensation counter: %w", err)
	}

	sagaErrors, err := meter.Int64Counter("saga_errors_total",
		metric.WithDescription("Total number of saga step errors"))
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	return &SagaMetrics{
		sagaTotal:         sagaTotal,
		sagaDuration:      sagaDuration,
		sagaSteps:         sagaSteps,
		compensationTotal: compensationTotal,
		sagaErrors:        sagaErrors,
	}, nil
}

// RecordSaga records a terminal saga outcome
func (m *SagaMetrics) RecordSaga(ctx context.Context, saga *SagaExecution) {
	if m == nil {
		return
	}
	status := attribute.String("status", string(saga.Status))
	m.sagaTotal.Add(ctx, 1, metric.WithAttributes(status))
	if saga.TotalDurationMS > 0 {
		m.sagaDuration.Record(ctx, float64(saga.TotalDurationMS)/1000.0, metric.WithAttributes(status))
	}
}

// RecordStep records one executed forward step
func (m *SagaMetrics) RecordStep(ctx context.Context, step *SagaStep) {
	if m == nil {
		return
	}
	m.sagaSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_type", string(step.StepType)),
		attribute.String("status", step.Status),
		attribute.String("service", step.ServiceName),
	))
	if step.Status == StepOutcomeFailed {
		m.sagaErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_type", string(step.StepType)),
			attribute.String("service", step.ServiceName),
		))
	}
}

// RecordCompensation records one executed compensation step
func (m *SagaMetrics) RecordCompensation(ctx context.Context, step *SagaStep) {
	if m == nil {
		return
	}
	m.compensationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_type", string(step.StepType)),
		attribute.String("status", step.Status),
	))
}
