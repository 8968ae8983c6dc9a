// Package httputil provides HTTP utility functions.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, description string) {
	WriteJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// WriteForbidden writes a 403 Forbidden error response.
func WriteForbidden(w http.ResponseWriter, description string) {
	WriteError(w, http.StatusForbidden, "access_denied", description)
}
