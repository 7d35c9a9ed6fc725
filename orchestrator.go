package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrDuplicateSaga is returned when an active saga already exists for the
// same session/customer pair
var ErrDuplicateSaga = errors.New("an active saga already exists for this checkout")

// Collaborator endpoints behind the API gateway
const (
	cartServiceName      = "cart-service"
	inventoryServiceName = "inventory-service"
	paymentServiceName   = "payment-service"
	orderServiceName     = "order-service"

	cartEndpoint             = "/api/v1/carts/%s"
	inventoryReserveEndpoint = "/api/v1/inventory/reserve"
	inventoryReleaseEndpoint = "/api/v1/inventory/release/%s"
	paymentProcessEndpoint   = "/api/v1/payment/process"
	paymentRefundEndpoint    = "/api/v1/payment/refund"
	orderConfirmEndpoint     = "/api/v1/orders"
)

// OrderSagaRequest represents the request to start an order saga
type OrderSagaRequest struct {
	SessionID       string         `json:"session_id" binding:"required"`
	CustomerID      int            `json:"customer_id" binding:"required"`
	ShippingAddress map[string]any `json:"shipping_address" binding:"required"`
	BillingAddress  map[string]any `json:"billing_address"`
	Payment         map[string]any `json:"payment" binding:"required"`
}

// OrchestratorConfig holds the tunables of the saga orchestrator
type OrchestratorConfig struct {
	// SagaTimeout bounds one full saga run; expires_at derives from it
	SagaTimeout time.Duration
	// MaxConcurrent caps the sagas in flight against the collaborators
	MaxConcurrent int64
	// CompensationRetries is the number of retries (beyond the first
	// attempt) for each compensation call
	CompensationRetries uint64
	// CompensationBackoff is the initial backoff interval between retries
	CompensationBackoff time.Duration
}

// DefaultOrchestratorConfig returns the production defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SagaTimeout:         5 * time.Minute,
		MaxConcurrent:       50,
		CompensationRetries: 2,
		CompensationBackoff: 500 * time.Millisecond,
	}
}

// SagaOrchestrator drives the four ordered steps of an order saga and the
// compensating actions when a step fails
type SagaOrchestrator struct {
	repository SagaRepository
	client     *ServiceClient
	metrics    *SagaMetrics
	tracer     trace.Tracer
	inflight   *semaphore.Weighted
	config     OrchestratorConfig
}

// NewSagaOrchestrator creates a new SagaOrchestrator instance
func NewSagaOrchestrator(
	repository SagaRepository,
	client *ServiceClient,
	metrics *SagaMetrics,
	tracer trace.Tracer,
	config OrchestratorConfig,
) *SagaOrchestrator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultOrchestratorConfig().MaxConcurrent
	}
	if config.SagaTimeout <= 0 {
		config.SagaTimeout = DefaultOrchestratorConfig().SagaTimeout
	}
	return &SagaOrchestrator{
		repository: repository,
		client:     client,
		metrics:    metrics,
		tracer:     tracer,
		inflight:   semaphore.NewWeighted(config.MaxConcurrent),
		config:     config,
	}
}

// StartOrderSaga runs one synchronous order saga. A saga that fails for
// business reasons is returned with its terminal state, not as an error;
// the error return covers admission and duplicate submissions only.
func (o *SagaOrchestrator) StartOrderSaga(ctx context.Context, req OrderSagaRequest) (*SagaExecution, error) {
	if err := o.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("saga admission rejected: %w", err)
	}
	defer o.inflight.Release(1)

	key := IdempotencyKey(req.SessionID, req.CustomerID)
	existing, err := o.repository.GetActiveByIdempotencyKey(ctx, key)
	if err == nil {
		log.Printf("ℹ️  [DUPLICATE] Active saga %s already running for key %s", existing.SagaID, key)
		return existing, ErrDuplicateSaga
	}
	if !errors.Is(err, ErrSagaNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate saga: %w", err)
	}

	saga := NewSagaExecution(req.SessionID, req.CustomerID, o.config.SagaTimeout)
	if err := o.repository.Save(ctx, saga); err != nil {
		return nil, fmt.Errorf("failed to persist initial saga state: %w", err)
	}

	ctx, span := o.tracer.Start(ctx, "order_saga")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", saga.SagaID),
		attribute.Int("saga.customer_id", saga.CustomerID),
		attribute.String("saga.session_id", saga.SessionID),
	)

	log.Printf("🚀 Saga started: %s | Customer: %d | Session: %s", saga.SagaID, saga.CustomerID, saga.SessionID)

	// The whole run executes under the saga deadline; a stalled collaborator
	// call cannot outlive expires_at.
	runCtx, cancel := context.WithDeadline(ctx, saga.ExpiresAt)
	defer cancel()

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ Saga %s panicked: %v", saga.SagaID, r)
				span.RecordError(fmt.Errorf("saga panic: %v", r))
				o.markSagaFailed(ctx, saga, start)
			}
		}()
		o.executeSaga(runCtx, saga, req, start)
	}()

	span.SetAttributes(attribute.String("saga.status", string(saga.Status)))
	o.metrics.RecordSaga(ctx, saga)

	return saga, nil
}

// executeSaga runs the forward steps in order; each step transitions the
// saga and persists it before the next one is attempted
func (o *SagaOrchestrator) executeSaga(ctx context.Context, saga *SagaExecution, req OrderSagaRequest, start time.Time) {
	if !o.validateCart(ctx, saga) {
		o.handleFailure(ctx, saga, start)
		return
	}
	if !o.reserveStock(ctx, saga) {
		o.handleFailure(ctx, saga, start)
		return
	}
	if !o.processPayment(ctx, saga, req.Payment) {
		o.handleFailure(ctx, saga, start)
		return
	}
	if !o.confirmOrder(ctx, saga, req) {
		o.handleFailure(ctx, saga, start)
		return
	}

	if err := o.transitionAndSave(ctx, saga, SagaStatusCompleted, nil); err != nil {
		log.Printf("❌ Saga %s failed to finalize: %v", saga.SagaID, err)
		o.markSagaFailed(ctx, saga, start)
		return
	}
	saga.TotalDurationMS = time.Since(start).Milliseconds()
	if err := o.repository.Save(ctx, saga); err != nil {
		log.Printf("❌ Failed to persist completed saga %s: %v", saga.SagaID, err)
	}

	log.Printf("✅ Saga completed: %s | Order: %s | Duration: %dms", saga.SagaID, saga.OrderID, saga.TotalDurationMS)
}

// validateCart is step 1: fetch the cart and apply the business checks
func (o *SagaOrchestrator) validateCart(ctx context.Context, saga *SagaExecution) bool {
	ctx, span := o.tracer.Start(ctx, "saga.validate_cart")
	defer span.End()

	endpoint := fmt.Sprintf(cartEndpoint, saga.SessionID)
	step := NewSagaStep(StepValidateCart, cartServiceName, endpoint, nil)

	log.Printf("➡️ [VALIDATE CART] Saga: %s | Session: %s", saga.SagaID, saga.SessionID)

	result := o.client.Call(ctx, http.MethodGet, endpoint, nil)
	step.Complete(result)

	if !result.Success {
		return o.failStep(ctx, saga, step, SagaStatusCartValidationFailed, "cart validation failed")
	}

	items, _ := result.Data["items"].([]any)
	if len(items) == 0 {
		step.Fail("cart is empty")
		return o.failStep(ctx, saga, step, SagaStatusCartValidationFailed, "cart is empty")
	}
	if cartAmount(result.Data) <= 0 {
		step.Fail("invalid cart amount")
		return o.failStep(ctx, saga, step, SagaStatusCartValidationFailed, "invalid cart amount")
	}

	saga.CartData = result.Data
	if err := o.transitionAndSave(ctx, saga, SagaStatusCartValidated, step); err != nil {
		log.Printf("❌ [VALIDATE CART] Saga %s transition error: %v", saga.SagaID, err)
		return false
	}
	o.metrics.RecordStep(ctx, step)

	log.Printf("✅ [VALIDATE CART] Saga: %s | %d items, total %.2f", saga.SagaID, len(items), numberValue(result.Data, "total_amount"))
	return true
}

// reserveStock is step 2: reserve every cart item, keyed by the saga id so a
// retried call is idempotent on the inventory side
func (o *SagaOrchestrator) reserveStock(ctx context.Context, saga *SagaExecution) bool {
	ctx, span := o.tracer.Start(ctx, "saga.reserve_stock")
	defer span.End()

	items, _ := saga.CartData["items"].([]any)
	itemsToReserve := make([]any, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		itemsToReserve = append(itemsToReserve, map[string]any{
			"product_id":  item["product_id"],
			"quantity":    item["quantity"],
			"location_id": 1, // default store
		})
	}

	payload := map[string]any{
		"reservation_id": saga.SagaID,
		"customer_id":    saga.CustomerID,
		"items":          itemsToReserve,
	}
	step := NewSagaStep(StepReserveStock, inventoryServiceName, inventoryReserveEndpoint, payload)

	log.Printf("➡️ [RESERVE STOCK] Saga: %s | %d products", saga.SagaID, len(itemsToReserve))

	result := o.client.Call(ctx, http.MethodPost, inventoryReserveEndpoint, payload)
	step.Complete(result)

	if !result.Success {
		return o.failStep(ctx, saga, step, SagaStatusStockReservationFailed, "stock reservation failed")
	}

	saga.ReservationData = result.Data
	if err := o.transitionAndSave(ctx, saga, SagaStatusStockReserved, step); err != nil {
		log.Printf("❌ [RESERVE STOCK] Saga %s transition error: %v", saga.SagaID, err)
		return false
	}
	o.metrics.RecordStep(ctx, step)

	log.Printf("✅ [RESERVE STOCK] Saga: %s | Reservation: %s", saga.SagaID, saga.SagaID)
	return true
}

// processPayment is step 3: charge the cart's final amount, keyed by the
// saga id as the transaction id
func (o *SagaOrchestrator) processPayment(ctx context.Context, saga *SagaExecution, payment map[string]any) bool {
	ctx, span := o.tracer.Start(ctx, "saga.process_payment")
	defer span.End()

	amount := cartAmount(saga.CartData)

	payload := map[string]any{
		"transaction_id":  saga.SagaID,
		"customer_id":     saga.CustomerID,
		"amount":          amount,
		"currency":        "CAD",
		"payment_method":  stringOrDefault(payment, "method", "credit_card"),
		"card_details":    mapValue(payment, "card_details"),
		"billing_address": mapValue(payment, "billing_address"),
	}
	step := NewSagaStep(StepProcessPayment, paymentServiceName, paymentProcessEndpoint, payload)

	log.Printf("➡️ [PROCESS PAYMENT] Saga: %s | Amount: %.2f CAD", saga.SagaID, amount)

	result := o.client.Call(ctx, http.MethodPost, paymentProcessEndpoint, payload)
	step.Complete(result)

	if !result.Success {
		return o.failStep(ctx, saga, step, SagaStatusPaymentFailed, "payment processing failed")
	}

	saga.PaymentData = result.Data
	if err := o.transitionAndSave(ctx, saga, SagaStatusPaymentProcessed, step); err != nil {
		log.Printf("❌ [PROCESS PAYMENT] Saga %s transition error: %v", saga.SagaID, err)
		return false
	}
	o.metrics.RecordStep(ctx, step)

	log.Printf("✅ [PROCESS PAYMENT] Saga: %s | Transaction: %s", saga.SagaID, stringOrDefault(result.Data, "transaction_id", saga.SagaID))
	return true
}

// confirmOrder is step 4: create the order from everything captured so far.
// A failure here moves the saga onto the payment-compensation path.
func (o *SagaOrchestrator) confirmOrder(ctx context.Context, saga *SagaExecution, req OrderSagaRequest) bool {
	ctx, span := o.tracer.Start(ctx, "saga.confirm_order")
	defer span.End()

	payload := map[string]any{
		"customer_id":            saga.CustomerID,
		"items":                  saga.CartData["items"],
		"total_amount":           cartAmount(saga.CartData),
		"payment_transaction_id": stringOrDefault(saga.PaymentData, "transaction_id", saga.SagaID),
		"reservation_id":         saga.SagaID,
		"shipping_address":       req.ShippingAddress,
		"billing_address":        req.BillingAddress,
		"saga_id":                saga.SagaID,
	}
	step := NewSagaStep(StepConfirmOrder, orderServiceName, orderConfirmEndpoint, payload)

	log.Printf("➡️ [CONFIRM ORDER] Saga: %s | Customer: %d", saga.SagaID, saga.CustomerID)

	result := o.client.Call(ctx, http.MethodPost, orderConfirmEndpoint, payload)
	step.Complete(result)

	if !result.Success {
		// Payment already went through; the failure edge from
		// PAYMENT_PROCESSED is the payment-compensation state.
		return o.failStep(ctx, saga, step, SagaStatusCompensatingPayment, "order confirmation failed")
	}

	saga.OrderData = result.Data
	saga.OrderID = stringOrDefault(result.Data, "id", "")
	if err := o.transitionAndSave(ctx, saga, SagaStatusOrderConfirmed, step); err != nil {
		log.Printf("❌ [CONFIRM ORDER] Saga %s transition error: %v", saga.SagaID, err)
		return false
	}
	o.metrics.RecordStep(ctx, step)

	log.Printf("✅ [CONFIRM ORDER] Saga: %s | Order: %s", saga.SagaID, saga.OrderID)
	return true
}

// failStep records a failed forward step and moves the saga to the failure status
func (o *SagaOrchestrator) failStep(ctx context.Context, saga *SagaExecution, step *SagaStep, target SagaStatus, reason string) bool {
	if step.Error == "" {
		step.Error = reason
	}
	if err := o.transitionAndSave(ctx, saga, target, step); err != nil {
		log.Printf("❌ Saga %s failure transition error: %v", saga.SagaID, err)
	}
	o.metrics.RecordStep(ctx, step)
	log.Printf("❌ [%s] Saga: %s | %s", step.StepType, saga.SagaID, step.Error)
	return false
}

// handleFailure finalizes a failed saga, running compensation when the
// failure status requires it
func (o *SagaOrchestrator) handleFailure(ctx context.Context, saga *SagaExecution, start time.Time) {
	if RequiresCompensation(saga.Status) {
		log.Printf("↩️ Starting compensation for saga %s (status %s)", saga.SagaID, saga.Status)
		o.executeCompensation(ctx, saga)
	}
	o.markSagaFailed(ctx, saga, start)
}

// executeCompensation undoes committed steps in reverse order. Each action
// retries with bounded backoff; a still-failing action is recorded and the
// remaining actions run anyway. Runs detached from the saga deadline so an
// expired saga can still release what it committed.
func (o *SagaOrchestrator) executeCompensation(ctx context.Context, saga *SagaExecution) {
	ctx, span := o.tracer.Start(ctx, "saga.compensation")
	defer span.End()

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.SagaTimeout)
	defer cancel()

	if saga.FailedStep == nil {
		return
	}

	for _, stepType := range CompensationPlan(saga.FailedStep.StepType) {
		switch stepType {
		case StepRefundPayment:
			o.refundPayment(compCtx, saga)
		case StepReleaseStock:
			if saga.Status != SagaStatusCompensatingStock {
				if err := o.transitionAndSave(compCtx, saga, SagaStatusCompensatingStock, nil); err != nil {
					log.Printf("❌ Saga %s compensation transition error: %v", saga.SagaID, err)
					return
				}
			}
			o.releaseStock(compCtx, saga)
		}
	}

	if err := o.transitionAndSave(compCtx, saga, SagaStatusCompensated, nil); err != nil {
		log.Printf("❌ Saga %s compensation finalize error: %v", saga.SagaID, err)
		return
	}
	log.Printf("↩️ Compensation finished for saga %s", saga.SagaID)
}

// releaseStock undoes the stock reservation keyed by the saga id
func (o *SagaOrchestrator) releaseStock(ctx context.Context, saga *SagaExecution) {
	if saga.ReservationData == nil {
		return
	}
	if o.hasSuccessfulCompensation(saga, StepReleaseStock) {
		log.Printf("ℹ️  [RELEASE STOCK] Already compensated for saga %s", saga.SagaID)
		return
	}

	endpoint := fmt.Sprintf(inventoryReleaseEndpoint, saga.SagaID)
	step := NewSagaStep(StepReleaseStock, inventoryServiceName, endpoint, nil)
	o.runCompensationStep(ctx, saga, step, http.MethodDelete)
}

// refundPayment undoes the processed payment
func (o *SagaOrchestrator) refundPayment(ctx context.Context, saga *SagaExecution) {
	if saga.PaymentData == nil {
		return
	}
	if o.hasSuccessfulCompensation(saga, StepRefundPayment) {
		log.Printf("ℹ️  [REFUND PAYMENT] Already compensated for saga %s", saga.SagaID)
		return
	}

	payload := map[string]any{
		"original_transaction_id": stringOrDefault(saga.PaymentData, "transaction_id", saga.SagaID),
		"refund_amount":           numberValue(saga.PaymentData, "amount"),
		"reason":                  "Saga compensation",
	}
	step := NewSagaStep(StepRefundPayment, paymentServiceName, paymentRefundEndpoint, payload)
	o.runCompensationStep(ctx, saga, step, http.MethodPost)
}

// runCompensationStep performs one compensation call with bounded backoff
// retry and persists the outcome
func (o *SagaOrchestrator) runCompensationStep(ctx context.Context, saga *SagaExecution, step *SagaStep, method string) {
	log.Printf("↩️ [%s] Saga: %s", step.StepType, saga.SagaID)

	bo := backoff.NewExponentialBackOff()
	if o.config.CompensationBackoff > 0 {
		bo.InitialInterval = o.config.CompensationBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, o.config.CompensationRetries), ctx)

	var result *ServiceResult
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		result = o.client.Call(ctx, method, step.Endpoint, step.Payload)
		if !result.Success {
			return fmt.Errorf("%s compensation attempt %d failed: %s", step.StepType, attempts, result.Error)
		}
		return nil
	}, policy)

	step.RetryCount = attempts - 1
	step.Complete(result)
	saga.CompensationSteps = append(saga.CompensationSteps, *step)
	o.metrics.RecordCompensation(ctx, step)

	// Progress is persisted after every compensation action so a restarted
	// orchestrator can tell which ones already succeeded.
	if saveErr := o.repository.Save(ctx, saga); saveErr != nil {
		log.Printf("❌ Failed to persist compensation progress for saga %s: %v", saga.SagaID, saveErr)
	}

	if err != nil {
		log.Printf("❌ [%s] Compensation failed after %d attempts for saga %s: %v", step.StepType, attempts, saga.SagaID, err)
		return
	}
	log.Printf("✅ [%s] Compensated saga %s", step.StepType, saga.SagaID)
}

func (o *SagaOrchestrator) hasSuccessfulCompensation(saga *SagaExecution, stepType SagaStepType) bool {
	for _, step := range saga.CompensationSteps {
		if step.StepType == stepType && step.Status == StepOutcomeSuccess {
			return true
		}
	}
	return false
}

// markSagaFailed forces the saga into its terminal FAILED state
func (o *SagaOrchestrator) markSagaFailed(ctx context.Context, saga *SagaExecution, start time.Time) {
	if saga.IsTerminal() {
		return
	}
	if err := Transition(saga, SagaStatusFailed, nil); err != nil {
		// Unexpected statuses still end FAILED; the caller never sees a
		// transport error because the business saga failed.
		saga.Status = SagaStatusFailed
		saga.StatusHistory = append(saga.StatusHistory, SagaStatusFailed)
		saga.UpdatedAt = time.Now().UTC()
	}
	saga.TotalDurationMS = time.Since(start).Milliseconds()
	if err := o.repository.Save(ctx, saga); err != nil {
		log.Printf("❌ Failed to persist failed saga %s: %v", saga.SagaID, err)
	}
	log.Printf("❌ Saga failed: %s | Compensations: %d", saga.SagaID, len(saga.CompensationSteps))
}

// transitionAndSave applies one state transition and persists the saga
func (o *SagaOrchestrator) transitionAndSave(ctx context.Context, saga *SagaExecution, target SagaStatus, step *SagaStep) error {
	if err := Transition(saga, target, step); err != nil {
		return err
	}
	if err := o.repository.Save(ctx, saga); err != nil {
		return fmt.Errorf("failed to persist saga %s after transition to %s: %w", saga.SagaID, target, err)
	}
	return nil
}

// numberValue reads a numeric field from decoded JSON
func numberValue(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// cartAmount prefers the cart's final amount, falling back to the total
func cartAmount(cart map[string]any) float64 {
	if _, ok := cart["final_amount"]; ok {
		return numberValue(cart, "final_amount")
	}
	return numberValue(cart, "total_amount")
}

func stringOrDefault(data map[string]any, key, fallback string) string {
	switch v := data[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func mapValue(data map[string]any, key string) map[string]any {
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
