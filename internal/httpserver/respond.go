package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/duskwatch/siemcore/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// errorEnvelope is the stable {error:{code,message,details?}} shape
// returned on every 4xx/5xx response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code string `json:"code"`
	Message string `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// RespondError writes the standard error envelope with an explicit status
// and machine-readable code.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// RespondAppError writes an *apperr.Error using its kind's default HTTP
// status and carrying any attached details.
func RespondAppError(w http.ResponseWriter, err *apperr.Error) {
	Respond(w, apperr.HTTPStatus(err.Kind), errorEnvelope{
		Error: errorBody{
			Code: string(err.Kind),
			Message: err.Message,
			Details: err.Details,
		},
	})
}
