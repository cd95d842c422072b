package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kenneth/letter-vault/internal/middleware"
)

// getRequestID returns the request id set by the request id middleware,
// falling back to the incoming header.
func getRequestID(r *http.Request) string {
	if rid := middleware.RequestIDFromContext(r.Context()); rid != "" {
		return rid
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object of at most maxBytes into v.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return &APIError{
			Code:       ErrInvalidJSON.Code,
			Message:    fmt.Sprintf("%s %s", ErrInvalidJSON.Message, jsonErrorDetail(err)),
			HTTPStatus: ErrInvalidJSON.HTTPStatus,
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return ErrInvalidJSON
	}
	return nil
}

func jsonErrorDetail(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("(syntax error at offset %d)", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Sprintf("(field %q has the wrong type)", typeErr.Field)
	case errors.Is(err, io.EOF):
		return "(empty body)"
	default:
		return "(" + err.Error() + ")"
	}
}
