package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaStatus represents the possible states of a saga
type SagaStatus string

const (
	SagaStatusPending          SagaStatus = "PENDING"
	SagaStatusCartValidated    SagaStatus = "CART_VALIDATED"
	SagaStatusStockReserved    SagaStatus = "STOCK_RESERVED"
	SagaStatusPaymentProcessed SagaStatus = "PAYMENT_PROCESSED"
	SagaStatusOrderConfirmed   SagaStatus = "ORDER_CONFIRMED"

	// Failure states
	SagaStatusCartValidationFailed   SagaStatus = "CART_VALIDATION_FAILED"
	SagaStatusStockReservationFailed SagaStatus = "STOCK_RESERVATION_FAILED"
	SagaStatusPaymentFailed          SagaStatus = "PAYMENT_FAILED"

	// Compensation states
	SagaStatusCompensatingStock   SagaStatus = "COMPENSATING_STOCK"
	SagaStatusCompensatingPayment SagaStatus = "COMPENSATING_PAYMENT"
	SagaStatusCompensated         SagaStatus = "COMPENSATED"

	// Final states
	SagaStatusCompleted SagaStatus = "COMPLETED"
	SagaStatusFailed    SagaStatus = "FAILED"
)

// SagaStepType represents the types of steps in the saga
type SagaStepType string

const (
	StepValidateCart   SagaStepType = "VALIDATE_CART"
	StepReserveStock   SagaStepType = "RESERVE_STOCK"
	StepProcessPayment SagaStepType = "PROCESS_PAYMENT"
	StepConfirmOrder   SagaStepType = "CONFIRM_ORDER"

	// Compensation steps
	StepReleaseStock  SagaStepType = "RELEASE_STOCK"
	StepRefundPayment SagaStepType = "REFUND_PAYMENT"
)

// Step outcome values recorded on a SagaStep
const (
	StepOutcomePending = "pending"
	StepOutcomeSuccess = "success"
	StepOutcomeFailed  = "failed"
)

// SagaStep represents one executed call against a collaborator service
type SagaStep struct {
	StepType    SagaStepType   `json:"step_type"`
	Status      string         `json:"status"`
	ServiceName string         `json:"service_name"`
	Endpoint    string         `json:"endpoint"`
	Payload     map[string]any `json:"payload,omitempty"`
	Response    *ServiceResult `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	DurationMS  int64          `json:"duration_ms"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

// SagaExecution represents the execution state of one saga
type SagaExecution struct {
	SagaID         string `json:"saga_id"`
	OrderID        string `json:"order_id,omitempty"`
	CustomerID     int    `json:"customer_id"`
	SessionID      string `json:"session_id"`
	IdempotencyKey string `json:"idempotency_key"`

	Status        SagaStatus   `json:"status"`
	StatusHistory []SagaStatus `json:"status_history"`

	// Business data captured per step
	CartData        map[string]any `json:"cart_data,omitempty"`
	ReservationData map[string]any `json:"reservation_data,omitempty"`
	PaymentData     map[string]any `json:"payment_data,omitempty"`
	OrderData       map[string]any `json:"order_data,omitempty"`

	// Execution bookkeeping
	CompletedSteps    []SagaStep `json:"completed_steps"`
	FailedStep        *SagaStep  `json:"failed_step,omitempty"`
	CompensationSteps []SagaStep `json:"compensation_steps"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	TotalDurationMS int64     `json:"total_duration_ms,omitempty"`
}

// NewSagaExecution creates a new SagaExecution instance in PENDING state
func NewSagaExecution(sessionID string, customerID int, timeout time.Duration) *SagaExecution {
	now := time.Now().UTC()
	return &SagaExecution{
		SagaID:         uuid.New().String(),
		CustomerID:     customerID,
		SessionID:      sessionID,
		IdempotencyKey: IdempotencyKey(sessionID, customerID),
		Status:         SagaStatusPending,
		StatusHistory:  []SagaStatus{SagaStatusPending},
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(timeout),
	}
}

// IdempotencyKey derives the business key that identifies one logical checkout
func IdempotencyKey(sessionID string, customerID int) string {
	return fmt.Sprintf("%s:%d", sessionID, customerID)
}

// IsTerminal reports whether the saga reached a final state
func (s *SagaExecution) IsTerminal() bool {
	return IsFinalState(s.Status)
}

// IsExpired reports whether the saga passed its deadline without reaching a final state
func (s *SagaExecution) IsExpired(now time.Time) bool {
	return !s.IsTerminal() && now.After(s.ExpiresAt)
}

// NewSagaStep creates a pending step record for a collaborator call
func NewSagaStep(stepType SagaStepType, serviceName, endpoint string, payload map[string]any) *SagaStep {
	return &SagaStep{
		StepType:    stepType,
		Status:      StepOutcomePending,
		ServiceName: serviceName,
		Endpoint:    endpoint,
		Payload:     payload,
		MaxRetries:  3,
	}
}

// Complete records the outcome of the collaborator call on the step
func (s *SagaStep) Complete(result *ServiceResult) {
	s.Response = result
	s.DurationMS = result.DurationMS
	s.Timestamp = time.Now().UTC()
	if result.Success {
		s.Status = StepOutcomeSuccess
	} else {
		s.Status = StepOutcomeFailed
		s.Error = result.Error
	}
}

// Fail records a business-validation failure on the step
func (s *SagaStep) Fail(reason string) {
	s.Status = StepOutcomeFailed
	s.Error = reason
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
}
