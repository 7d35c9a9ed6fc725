package main

import (
	"testing"
	"time"
)

func TestNewSagaExecution(t *testing.T) {
	saga := NewSagaExecution("session-abc", 42, 5*time.Minute)

	if saga.SagaID == "" {
		t.Error("Expected SagaID to be generated")
	}
	if saga.SessionID != "session-abc" {
		t.Errorf("Expected SessionID session-abc, got %s", saga.SessionID)
	}
	if saga.CustomerID != 42 {
		t.Errorf("Expected CustomerID 42, got %d", saga.CustomerID)
	}
	if saga.Status != SagaStatusPending {
		t.Errorf("Expected Status %s, got %s", SagaStatusPending, saga.Status)
	}
	if saga.IdempotencyKey != "session-abc:42" {
		t.Errorf("Expected IdempotencyKey session-abc:42, got %s", saga.IdempotencyKey)
	}
	if len(saga.StatusHistory) != 1 || saga.StatusHistory[0] != SagaStatusPending {
		t.Errorf("Expected status history [PENDING], got %v", saga.StatusHistory)
	}
	if saga.CreatedAt.IsZero() || saga.UpdatedAt.IsZero() {
		t.Error("Expected CreatedAt and UpdatedAt to be set")
	}

	wantExpiry := saga.CreatedAt.Add(5 * time.Minute)
	if !saga.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected ExpiresAt %v, got %v", wantExpiry, saga.ExpiresAt)
	}
}

func TestSagaExecution_DistinctIDs(t *testing.T) {
	a := NewSagaExecution("session-abc", 42, time.Minute)
	b := NewSagaExecution("session-abc", 42, time.Minute)
	if a.SagaID == b.SagaID {
		t.Error("Expected every saga to get a fresh id")
	}
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Error("Expected the same checkout to share one idempotency key")
	}
}

func TestSagaExecution_IsTerminal(t *testing.T) {
	saga := NewSagaExecution("session-abc", 42, time.Minute)
	if saga.IsTerminal() {
		t.Error("Expected a PENDING saga to not be terminal")
	}

	saga.Status = SagaStatusCompleted
	if !saga.IsTerminal() {
		t.Error("Expected a COMPLETED saga to be terminal")
	}

	saga.Status = SagaStatusFailed
	if !saga.IsTerminal() {
		t.Error("Expected a FAILED saga to be terminal")
	}
}

func TestSagaExecution_IsExpired(t *testing.T) {
	saga := NewSagaExecution("session-abc", 42, time.Minute)
	now := time.Now().UTC()

	if saga.IsExpired(now) {
		t.Error("Expected a fresh saga to not be expired")
	}
	if !saga.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("Expected the saga to be expired past its deadline")
	}

	saga.Status = SagaStatusFailed
	if saga.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("Expected a terminal saga to never count as expired")
	}
}

func TestSagaStep_Complete(t *testing.T) {
	step := NewSagaStep(StepReserveStock, "inventory-service", "/api/v1/inventory/reserve", map[string]any{"reservation_id": "r-1"})

	if step.Status != StepOutcomePending {
		t.Errorf("Expected a new step to be pending, got %s", step.Status)
	}

	step.Complete(&ServiceResult{Success: true, StatusCode: 201, DurationMS: 12})
	if step.Status != StepOutcomeSuccess {
		t.Errorf("Expected success, got %s", step.Status)
	}
	if step.DurationMS != 12 {
		t.Errorf("Expected duration 12ms, got %d", step.DurationMS)
	}
	if step.Timestamp.IsZero() {
		t.Error("Expected timestamp to be stamped")
	}
}

func TestSagaStep_CompleteWithFailure(t *testing.T) {
	step := NewSagaStep(StepProcessPayment, "payment-service", "/api/v1/payment/process", nil)

	step.Complete(&ServiceResult{Success: false, StatusCode: 402, Error: "card declined", DurationMS: 8})
	if step.Status != StepOutcomeFailed {
		t.Errorf("Expected failed, got %s", step.Status)
	}
	if step.Error != "card declined" {
		t.Errorf("Expected error to be captured, got %q", step.Error)
	}
}
