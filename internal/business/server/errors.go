package server

import (
	"encoding/json"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// toErrorModel maps an error to its body and HTTP status. Errors that are
// not service errors are reported as unknown so internal details stay in the
// logs.
func toErrorModel(err error) (errorBody, int) {
	var svcErr *serviceerr.Error
	if !errors.As(err, &svcErr) {
		svcErr = serviceerr.ErrUnknown
	}

	return errorBody{
		Error:            string(svcErr.Err),
		ErrorDescription: svcErr.Description,
	}, svcErr.HTTPStatus()
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body, status := toErrorModel(err)
	if status >= http.StatusInternalServerError {
		slogctx.Error(r.Context(), "Request failed", "error", err)
	} else {
		slogctx.Warn(r.Context(), "Request rejected", "error", err)
	}

	writeJSON(w, r, status, body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slogctx.Error(r.Context(), "Failed to write response", "error", err)
	}
}
