package pipeline

import (
	"encoding/json"
	"net/http"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/translate"
)

// handleConvert implements POST /convert: a pure Chat-to-Responses
// translation with no credential check and no upstream call. conversation_id
// and previous_response_id, if present as query parameters, are stamped
// onto the translated document.
func (p *Pipeline) handleConvert(w http.ResponseWriter, r *http.Request) {
	var doc gateway.ChatDocument
	if !decodeRequestBody(w, r, &doc) {
		return
	}

	out, err := translate.ChatToResponses(&doc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if cid := r.URL.Query().Get("conversation_id"); cid != "" {
		out.ConversationID = cid
	}
	if prev := r.URL.Query().Get("previous_response_id"); prev != "" {
		out.PrevResponseID = prev
	}

	body, err := json.Marshal(out)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("encode response"))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
