package main

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SagaHandler contains the HTTP handlers of the orchestrator service
type SagaHandler struct {
	orchestrator *SagaOrchestrator
	repository   SagaRepository
	tracer       trace.Tracer
}

// NewSagaHandler creates a new SagaHandler instance
func NewSagaHandler(orchestrator *SagaOrchestrator, repository SagaRepository, tracer trace.Tracer) *SagaHandler {
	return &SagaHandler{
		orchestrator: orchestrator,
		repository:   repository,
		tracer:       tracer,
	}
}

// sagaSummary is the caller-visible view of one saga
func sagaSummary(saga *SagaExecution) gin.H {
	var failedStep gin.H
	if saga.FailedStep != nil {
		failedStep = gin.H{
			"step_type":    saga.FailedStep.StepType,
			"status":       saga.FailedStep.Status,
			"service_name": saga.FailedStep.ServiceName,
			"endpoint":     saga.FailedStep.Endpoint,
			"duration_ms":  saga.FailedStep.DurationMS,
			"timestamp":    saga.FailedStep.Timestamp,
			"error":        saga.FailedStep.Error,
		}
	}

	return gin.H{
		"saga_id":            saga.SagaID,
		"status":             saga.Status,
		"order_id":           saga.OrderID,
		"customer_id":        saga.CustomerID,
		"created_at":         saga.CreatedAt,
		"updated_at":         saga.UpdatedAt,
		"total_duration_ms":  saga.TotalDurationMS,
		"completed_steps":    len(saga.CompletedSteps),
		"failed_step":        failedStep,
		"compensation_steps": len(saga.CompensationSteps),
	}
}

// StartOrderSaga starts one synchronous order saga
func (h *SagaHandler) StartOrderSaga(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "start_order_saga")
	defer span.End()

	var req OrderSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("customer_id", req.CustomerID),
	)

	log.Printf("[SAGA] Starting order saga - Session: %s, Customer: %d", req.SessionID, req.CustomerID)

	saga, err := h.orchestrator.StartOrderSaga(ctx, req)
	if errors.Is(err, ErrDuplicateSaga) {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"saga":  sagaSummary(saga),
		})
		return
	}
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("saga_id", saga.SagaID), attribute.String("saga_status", string(saga.Status)))

	// A saga that did not complete is still a successful orchestration run
	// from the transport's point of view.
	status := http.StatusAccepted
	if saga.Status == SagaStatusCompleted {
		status = http.StatusCreated
	}
	c.JSON(status, sagaSummary(saga))
}

// GetSaga returns the summary of one saga
func (h *SagaHandler) GetSaga(c *gin.Context) {
	sagaID := c.Param("saga_id")

	saga, err := h.repository.Get(c.Request.Context(), sagaID)
	if errors.Is(err, ErrSagaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sagaSummary(saga))
}

// GetSagaDetails returns the full detail of one saga, including captured
// data snapshots and the step/compensation history
func (h *SagaHandler) GetSagaDetails(c *gin.Context) {
	sagaID := c.Param("saga_id")

	saga, err := h.repository.Get(c.Request.Context(), sagaID)
	if errors.Is(err, ErrSagaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"saga_id":            saga.SagaID,
		"status":             saga.Status,
		"status_history":     saga.StatusHistory,
		"order_id":           saga.OrderID,
		"customer_id":        saga.CustomerID,
		"session_id":         saga.SessionID,
		"created_at":         saga.CreatedAt,
		"updated_at":         saga.UpdatedAt,
		"expires_at":         saga.ExpiresAt,
		"total_duration_ms":  saga.TotalDurationMS,
		"cart_data":          saga.CartData,
		"reservation_data":   saga.ReservationData,
		"payment_data":       saga.PaymentData,
		"order_data":         saga.OrderData,
		"completed_steps":    saga.CompletedSteps,
		"failed_step":        saga.FailedStep,
		"compensation_steps": saga.CompensationSteps,
	})
}

// GetActiveSagas lists every saga that has not reached a final state
func (h *SagaHandler) GetActiveSagas(c *gin.Context) {
	active, err := h.repository.GetAllActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]gin.H, 0, len(active))
	for _, saga := range active {
		summaries = append(summaries, sagaSummary(saga))
	}

	c.JSON(http.StatusOK, gin.H{
		"active_sagas": summaries,
		"count":        len(summaries),
	})
}

// GetStatistics returns aggregate saga statistics
func (h *SagaHandler) GetStatistics(c *gin.Context) {
	stats, err := h.repository.GetStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":  time.Now().UTC(),
		"statistics": stats,
	})
}

// HealthCheck reports the health of the orchestrator service
func (h *SagaHandler) HealthCheck(c *gin.Context) {
	stats, err := h.repository.GetStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "saga-orchestrator",
			"error":   err.Error(),
		})
		return
	}

	active, err := h.repository.GetAllActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "saga-orchestrator",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "saga-orchestrator",
		"timestamp":    time.Now().UTC(),
		"active_sagas": len(active),
		"total_sagas":  stats.TotalSagas,
	})
}
