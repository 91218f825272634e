package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// LoginRequest represents a login request.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the response after a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatsResponse is the aggregate service report.
type StatsResponse struct {
	TotalUsers      int64   `json:"total_users"`
	PremiumUsers    int64   `json:"premium_users"`
	OperationsToday int64   `json:"operations_today"`
	ConversionRate  float64 `json:"conversion_rate"`
}

// UserSummary is one row of the user listing.
type UserSummary struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	Tier       string    `json:"tier"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// OperationSummary is one entry of a user's recent activity.
type OperationSummary struct {
	Kind        string    `json:"kind"`
	Outcome     string    `json:"outcome"`
	Charged     bool      `json:"charged"`
	Timestamp   time.Time `json:"timestamp"`
	InputBytes  int64     `json:"input_bytes"`
	OutputBytes int64     `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
}

// UserUsageResponse reports one user's quota standing and recent activity.
type UserUsageResponse struct {
	UserID    string             `json:"user_id"`
	Tier      string             `json:"tier"`
	Day       string             `json:"day"`
	Used      int64              `json:"used"`
	Ceiling   int64              `json:"ceiling"`
	Remaining int64              `json:"remaining"`
	Recent    []OperationSummary `json:"recent"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
