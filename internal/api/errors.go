package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/letter-vault/internal/store"
)

// APIError represents a JSON error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error as {"error":{...}}.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Error *APIError `json:"error"`
	}{Error: e})
}

// WithRequestID returns a copy of e carrying requestID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// TranslateError maps store and crypto errors to API errors. Internal
// details never reach the client.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return &APIError{
			Code:       "ValidationError",
			Message:    validationErr.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrUndecryptable):
		return ErrUndecryptable
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	}

	return ErrInternal
}

// Predefined API errors
var (
	ErrInvalidJSON = &APIError{
		Code:       "InvalidJSON",
		Message:    "The request body is not valid JSON for this resource.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrBodyTooLarge = &APIError{
		Code:       "RequestTooLarge",
		Message:    "The request body is too large.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrNotFound = &APIError{
		Code:       "NotFound",
		Message:    "The requested record does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrUndecryptable = &APIError{
		Code:       "Undecryptable",
		Message:    "The stored record exists but cannot be decrypted.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrConflict = &APIError{
		Code:       "Conflict",
		Message:    "The record was modified concurrently. Retry the request.",
		HTTPStatus: http.StatusConflict,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
