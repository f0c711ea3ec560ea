// Package types defines the request and response bodies of the REST
// surface.
package types

import "github.com/featherbase/featherbase/internal/record"

// ErrorResponse is the error response format.
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Collection string `json:"collection"`
}

// LoginResponse carries the signed token and the sanitized user.
type LoginResponse struct {
	Token string        `json:"token"`
	User  record.Record `json:"user"`
}

// BatchRequest is the body of POST /api/batch.
type BatchRequest struct {
	Requests []BatchOp `json:"requests"`
}

// BatchOp is one operation inside a batch request.
type BatchOp struct {
	Method     string        `json:"method"` // create, update, delete
	Collection string        `json:"collection"`
	ID         string        `json:"id,omitempty"`
	Data       record.Record `json:"data,omitempty"`
}

// BatchResponse is the body returned by POST /api/batch.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// BatchResult is the outcome of one batch operation.
type BatchResult struct {
	Success bool          `json:"success"`
	Result  record.Record `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// DeleteResponse confirms a record deletion.
type DeleteResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
