package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// apiError is the stable error envelope. ResponseText carries the upstream
// body excerpt when a provider 4xx is surfaced.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         string `json:"code,omitempty"`
	ResponseText string `json:"responseText,omitempty"`
}

func errorEnvelope(message, code string, status int) apiError {
	typ := "invalid_request_error"
	if status >= 500 {
		typ = "api_error"
	}
	return apiError{Error: apiErrorBody{Message: message, Type: typ, Code: code}}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorEnvelope(message, code, status))
}

// writeErrorFor converts any gateway error to its HTTP form. Upstream 4xx
// bodies classified as client errors pass through verbatim.
func writeErrorFor(w http.ResponseWriter, err error) {
	var reqErr *gateway.RequestError
	if errors.As(err, &reqErr) {
		writeRequestError(w, reqErr)
		return
	}
	status, code := sentinelStatus(err)
	writeError(w, status, err.Error(), code)
}

func writeRequestError(w http.ResponseWriter, e *gateway.RequestError) {
	switch e.Kind {
	case gateway.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, e.Message, e.Code)
	case gateway.KindCanceled:
		writeError(w, http.StatusBadRequest, e.Message, e.Code)
	case gateway.KindValidation:
		writeError(w, http.StatusBadRequest, e.Message, e.Code)
	case gateway.KindQuota:
		writeError(w, http.StatusPaymentRequired, e.Message, e.Code)
	case gateway.KindAuth:
		writeError(w, http.StatusUnauthorized, e.Message, e.Code)
	case gateway.KindClientErr:
		status := e.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		if e.Body != "" && json.Valid([]byte(e.Body)) {
			// Preserve the upstream's original error body.
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(status)
			_, _ = w.Write([]byte(e.Body))
			return
		}
		writeError(w, status, e.Message, e.Code)
	case gateway.KindInternal:
		writeError(w, http.StatusInternalServerError, e.Message, e.Code)
	default:
		writeError(w, http.StatusBadGateway, e.Message, e.Code)
	}
}

func sentinelStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, gateway.ErrUsageLimit):
		return http.StatusUnauthorized, "usage_limit_exceeded"
	case errors.Is(err, gateway.ErrPaymentRequired):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, gateway.ErrProjectGone):
		return http.StatusGone, "project_archived"
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
