package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func newTestRouter(t *testing.T, g *fakeGateway) (*gin.Engine, *MemorySagaRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orchestrator, repository := newTestOrchestrator(t, g)
	handler := NewSagaHandler(orchestrator, repository, otel.Tracer("test"))

	r := gin.New()
	r.GET("/health", handler.HealthCheck)
	v1 := r.Group("/api/v1")
	{
		v1.POST("/sagas/orders", handler.StartOrderSaga)
		v1.GET("/sagas/active", handler.GetActiveSagas)
		v1.GET("/sagas/statistics", handler.GetStatistics)
		v1.GET("/sagas/:saga_id", handler.GetSaga)
		v1.GET("/sagas/:saga_id/details", handler.GetSagaDetails)
	}
	return r, repository
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestStartOrderSagaEndpoint_Completed(t *testing.T) {
	r, _ := newTestRouter(t, newFakeGateway())

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/sagas/orders", validRequest())

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, string(SagaStatusCompleted), body["status"])
	assert.Equal(t, "4242", body["order_id"])
	assert.Equal(t, 4.0, body["completed_steps"])
	assert.NotEmpty(t, body["saga_id"])
}

func TestStartOrderSagaEndpoint_FailedSagaIsAccepted(t *testing.T) {
	g := newFakeGateway()
	g.failPayment = true
	r, _ := newTestRouter(t, g)

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/sagas/orders", validRequest())

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, string(SagaStatusFailed), body["status"])
	require.NotNil(t, body["failed_step"])
	failedStep := body["failed_step"].(map[string]any)
	assert.Equal(t, string(StepProcessPayment), failedStep["step_type"])
}

func TestStartOrderSagaEndpoint_BadRequest(t *testing.T) {
	r, _ := newTestRouter(t, newFakeGateway())

	// Missing the required customer_id
	w, body := doJSON(t, r, http.MethodPost, "/api/v1/sagas/orders", map[string]any{"session_id": "session-123"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestStartOrderSagaEndpoint_DuplicateConflict(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	req := validRequest()
	existing := NewSagaExecution(req.SessionID, req.CustomerID, time.Minute)
	require.NoError(t, repository.Save(context.Background(), existing))

	w, body := doJSON(t, r, http.MethodPost, "/api/v1/sagas/orders", req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, body["error"])
	saga := body["saga"].(map[string]any)
	assert.Equal(t, existing.SagaID, saga["saga_id"])
}

func TestGetSagaEndpoint(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	saga := NewSagaExecution("session-9", 9, time.Minute)
	require.NoError(t, repository.Save(context.Background(), saga))

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/sagas/"+saga.SagaID, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, saga.SagaID, body["saga_id"])
	assert.Equal(t, string(SagaStatusPending), body["status"])
}

func TestGetSagaEndpoint_NotFound(t *testing.T) {
	r, _ := newTestRouter(t, newFakeGateway())

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/sagas/does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "saga not found", body["error"])
}

func TestGetSagaDetailsEndpoint(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	saga := NewSagaExecution("session-9", 9, time.Minute)
	saga.CartData = map[string]any{"total_amount": 20.0}
	require.NoError(t, Transition(saga, SagaStatusCartValidated, nil))
	require.NoError(t, repository.Save(context.Background(), saga))

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/sagas/"+saga.SagaID+"/details", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "session-9", body["session_id"])
	assert.Equal(t, 20.0, body["cart_data"].(map[string]any)["total_amount"])

	history := body["status_history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, string(SagaStatusPending), history[0])
	assert.Equal(t, string(SagaStatusCartValidated), history[1])
}

func TestGetActiveSagasEndpoint(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	running := NewSagaExecution("session-1", 1, time.Minute)
	require.NoError(t, repository.Save(context.Background(), running))

	finished := NewSagaExecution("session-2", 2, time.Minute)
	finished.Status = SagaStatusCompleted
	require.NoError(t, repository.Save(context.Background(), finished))

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/sagas/active", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["count"])
	sagas := body["active_sagas"].([]any)
	require.Len(t, sagas, 1)
	assert.Equal(t, running.SagaID, sagas[0].(map[string]any)["saga_id"])
}

func TestGetStatisticsEndpoint(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	saga := NewSagaExecution("session-1", 1, time.Minute)
	saga.Status = SagaStatusCompleted
	saga.TotalDurationMS = 1500
	require.NoError(t, repository.Save(context.Background(), saga))

	w, body := doJSON(t, r, http.MethodGet, "/api/v1/sagas/statistics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	stats := body["statistics"].(map[string]any)
	assert.Equal(t, 1.0, stats["total_sagas"])
	assert.Equal(t, 1.0, stats["success_rate"])
	assert.Equal(t, 1500.0, stats["average_duration_ms"])
}

func TestHealthCheckEndpoint(t *testing.T) {
	r, repository := newTestRouter(t, newFakeGateway())

	saga := NewSagaExecution("session-1", 1, time.Minute)
	require.NoError(t, repository.Save(context.Background(), saga))

	w, body := doJSON(t, r, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "saga-orchestrator", body["service"])
	assert.Equal(t, 1.0, body["active_sagas"])
	assert.Equal(t, 1.0, body["total_sagas"])
}
