package pipeline

import (
	"encoding/json"
	"net/http"
	"time"
)

type generateKeyRequest struct {
	Label   string   `json:"label"`
	Scopes  []string `json:"scopes"`
	TTLSecs int64    `json:"ttl_seconds"`
}

type generateKeyResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type keyIDRequest struct {
	ID string `json:"id"`
}

type setExpirationRequest struct {
	ID        string `json:"id"`
	ExpiresAt string `json:"expires_at"`
}

// handleKeysList implements GET /keys.
func (p *Pipeline) handleKeysList(w http.ResponseWriter, r *http.Request) {
	if p.deps.Credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("credential store not configured"))
		return
	}
	offset, limit := 0, 100
	if v := r.URL.Query().Get("offset"); v != "" {
		_, _ = jsonAtoi(v, &offset)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		_, _ = jsonAtoi(v, &limit)
	}
	keys, err := p.deps.Credentials.List(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleKeysGenerate implements POST /keys/generate. The plaintext token is
// returned exactly once in this response; it is never recoverable from the
// store afterward.
func (p *Pipeline) handleKeysGenerate(w http.ResponseWriter, r *http.Request) {
	if p.deps.Credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("credential store not configured"))
		return
	}
	var req generateKeyRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	token, info, err := p.deps.Credentials.Generate(r.Context(), req.Label, req.Scopes, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, generateKeyResponse{Token: token, ID: info.ID, Label: info.Label})
}

// handleKeysRevoke implements POST /keys/revoke.
func (p *Pipeline) handleKeysRevoke(w http.ResponseWriter, r *http.Request) {
	if p.deps.Credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("credential store not configured"))
		return
	}
	var req keyIDRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if err := p.deps.Credentials.Revoke(r.Context(), req.ID); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleKeysSetExpiration implements POST /keys/set_expiration.
func (p *Pipeline) handleKeysSetExpiration(w http.ResponseWriter, r *http.Request) {
	if p.deps.Credentials == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("credential store not configured"))
		return
	}
	var req setExpirationRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	at, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at: must be RFC3339"))
		return
	}
	if err := p.deps.Credentials.SetExpiration(r.Context(), req.ID, at); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jsonAtoi is a tiny query-param integer parser that never panics on
// malformed input -- it just leaves dst unchanged.
func jsonAtoi(s string, dst *int) (int, error) {
	var v int
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return *dst, err
	}
	*dst = v
	return v, nil
}
