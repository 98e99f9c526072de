package pipeline

import (
	"context"
	"net/http"
)

// handleReload wraps a reload callback into an http.HandlerFunc: success is
// a 204, failure maps through errorStatus like any other pipeline error.
func (p *Pipeline) handleReload(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
