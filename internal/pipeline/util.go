package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	gateway "github.com/routiium/gateway/internal"
)

const maxRequestBody = 4 << 20 // 4MB

// jsonCT is a pre-allocated content-type header value slice.
var jsonCT = []string{"application/json"}

// bodyPool reuses decode buffers across requests to avoid a fresh
// allocation for every inbound body.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// decodeRequestBody reads and JSON-decodes r.Body into v, capped at
// maxRequestBody. On failure it writes a 400 to w (detail logged
// server-side, a generic message sent to the client) and returns false.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)

	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxRequestBody)); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request body read failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request body decode failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return false
	}
	return true
}

// clientIP returns the remote address host, stripping the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
}

func errorResponse(msg string) errorEnvelope {
	return errorEnvelope{Error: errorBody{Message: msg}}
}

// errorStatus maps a pipeline error to the HTTP status it should surface
// as. An error carrying its own HTTPStatus() wins; otherwise it is an
// unanticipated condition, surfaced as 500.
func errorStatus(err error) int {
	if status := gateway.HTTPStatusOf(err); status != 0 {
		return status
	}
	switch {
	case errors.Is(err, gateway.ErrAuthMissing), errors.Is(err, gateway.ErrAuthInvalid),
		errors.Is(err, gateway.ErrAuthExpired), errors.Is(err, gateway.ErrAuthRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrMalformed), errors.Is(err, gateway.ErrPolicyViolation):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRouteUnresolved):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
