package api

import (
	"encoding/json"
	"net/http"

	camerrors "github.com/camctl/cam/internal/errors"
)

// envelope is the uniform response shape: success plus either data or a
// structured error.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Extra   any    `json:"extra,omitempty"`
}

// writeData writes a 200 success envelope.
func writeData(w http.ResponseWriter, data any) {
	writeDataStatus(w, data, http.StatusOK)
}

// writeDataStatus writes a success envelope with a specific status.
func writeDataStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError maps the error to its HTTP status and writes the envelope.
// Internal causes never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	ce := camerrors.AsCamError(err)
	if ce == nil {
		ce = camerrors.Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(ce.Code),
			Message: ce.Message,
			Extra:   ce.Extra,
		},
	})
}

// decode reads a JSON body into v, returning an INVALID_INPUT error on
// malformed payloads.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return camerrors.InvalidInput("invalid request body: %s", err.Error())
	}
	return nil
}
