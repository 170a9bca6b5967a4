package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"genpool/internal/driverapi"
	"genpool/internal/orchestrator"
	"genpool/internal/scheduler"
	"genpool/pkg/types"
)

// errInvalidSettingsPatch is returned when a PATCH /backends/{id} body's
// settings field isn't valid JSON.
var errInvalidSettingsPatch = errors.New("settings patch is not valid JSON")

// HTTPError allows a service error to carry its own HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps a scheduler/orchestrator error to an HTTP status
// and writes the JSON error body.
func writeServiceError(w http.ResponseWriter, err error) {
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, errorToStatus(err), err.Error())
}

// errorToStatus classifies the well-known scheduler/orchestrator/driver
// error conditions into the HTTP status a client should see. Anything
// unrecognized maps to 500.
func errorToStatus(err error) int {
	switch {
	case orchestrator.IsShuttingDown(err):
		return http.StatusServiceUnavailable
	case scheduler.IsTimeout(err):
		return http.StatusGatewayTimeout
	case scheduler.IsNoBackendsAvailable(err), scheduler.IsNoMatchingBackend(err), scheduler.IsAllBackendsFailedModel(err):
		return http.StatusServiceUnavailable
	case driverapi.IsRedirect(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
