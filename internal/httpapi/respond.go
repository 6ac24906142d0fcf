package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the success response shape (§6): a plain payload, never
// wrapped, so handlers can Respond with whatever JSON shape the resource
// needs.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: encoding response", "error", err)
	}
}

// ErrorEnvelope is the standard error envelope (§6):
// {success: false, error_code, message, details?}.
type ErrorEnvelope struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// RespondError writes the standard error envelope.
func RespondError(w http.ResponseWriter, status int, errorCode, message string) {
	Respond(w, status, ErrorEnvelope{Success: false, ErrorCode: errorCode, Message: message})
}

// RespondErrorDetails is RespondError with a details payload attached
// (validation field errors, conflicting resource IDs, etc.).
func RespondErrorDetails(w http.ResponseWriter, status int, errorCode, message string, details any) {
	Respond(w, status, ErrorEnvelope{Success: false, ErrorCode: errorCode, Message: message, Details: details})
}

// Page is the paginated-list envelope (§6):
// {items, total, page, page_size, total_pages, has_next, has_prev}.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Total      int64 `json:"total"`
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPage derives every pagination field from (items, total, page,
// pageSize) — it is the single place that computation happens so every
// list endpoint reports consistent values (§4.2).
func NewPage[T any](items []T, total int64, page, pageSize int) Page[T] {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
