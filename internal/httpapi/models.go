package httpapi

import (
	"github.com/yourorg/lpdp/internal/ledger"
)

// RecordEventRequest is the body of POST /v1/events. The chain and actor come
// from the authenticated key, never from the body.
type RecordEventRequest struct {
	Action       string        `json:"action"`
	ResourceType string        `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Before       *ledger.Value `json:"before,omitempty"`
	After        *ledger.Value `json:"after,omitempty"`
}

type EventPage struct {
	ChainID   string              `json:"chainId"`
	Events    []ledger.AuditEvent `json:"events"`
	NextAfter *int64              `json:"nextAfter,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Chains int    `json:"chains"`
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

type ValidationErrorItem struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ValidationError struct {
	Code      string                `json:"code"`
	Message   string                `json:"message"`
	CorrID    string                `json:"corrId"`
	Retryable bool                  `json:"retryable"`
	Errors    []ValidationErrorItem `json:"errors"`
}
