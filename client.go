package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ServiceResult is the normalized envelope of one collaborator call
type ServiceResult struct {
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ServiceClient performs synchronous calls against the microservices
// behind the API gateway
type ServiceClient struct {
	client  *resty.Client
	timeout time.Duration
}

// NewServiceClient creates a new ServiceClient instance
func NewServiceClient(baseURL, apiKey string, timeout time.Duration) *ServiceClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", apiKey).
		SetHeader("X-Saga-Orchestrator", "true")

	return &ServiceClient{
		client:  client,
		timeout: timeout,
	}
}

// Call performs one synchronous call and normalizes the outcome.
// A transport or timeout failure yields success=false with no status code; an
// HTTP status >= 400 yields success=false with the error extracted from the
// body; anything else is a success. No retry happens here.
func (sc *ServiceClient) Call(ctx context.Context, method, endpoint string, payload map[string]any) *ServiceResult {
	req := sc.client.R().SetContext(ctx)

	switch strings.ToUpper(method) {
	case http.MethodGet:
		for key, value := range payload {
			req.SetQueryParam(key, fmt.Sprintf("%v", value))
		}
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		if payload != nil {
			req.SetBody(payload)
		}
	default:
		return &ServiceResult{
			Success: false,
			Error:   fmt.Sprintf("unsupported HTTP method: %s", method),
		}
	}

	start := time.Now()
	resp, err := req.Execute(strings.ToUpper(method), endpoint)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if ctx.Err() == context.DeadlineExceeded || strings.Contains(errMsg, "context deadline exceeded") {
			errMsg = fmt.Sprintf("timeout after %s", sc.timeout)
		}
		log.Printf("❌ Service call failed: %s %s -> %s", method, endpoint, errMsg)
		return &ServiceResult{
			Success:    false,
			Error:      errMsg,
			DurationMS: durationMS,
		}
	}

	log.Printf("Service call: %s %s -> %d (%dms)", method, endpoint, resp.StatusCode(), durationMS)

	if resp.StatusCode() >= http.StatusBadRequest {
		return &ServiceResult{
			Success:    false,
			StatusCode: resp.StatusCode(),
			Error:      extractError(resp.Body()),
			DurationMS: durationMS,
		}
	}

	data := map[string]any{}
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &data); err != nil {
			return &ServiceResult{
				Success:    false,
				StatusCode: resp.StatusCode(),
				Error:      fmt.Sprintf("invalid response body: %v", err),
				DurationMS: durationMS,
			}
		}
	}

	return &ServiceResult{
		Success:    true,
		StatusCode: resp.StatusCode(),
		Data:       data,
		DurationMS: durationMS,
	}
}

// extractError pulls the "error" field from an error body when present,
// falling back to the raw body
func extractError(body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg, ok := parsed["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return string(body)
}
