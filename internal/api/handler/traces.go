package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/able/internal/trace"
)

const (
	defaultTraceLimit = 100
	maxTraceLimit     = 1000
)

type TraceReader interface {
	From(ctx context.Context, from trace.ID, limit int) ([]trace.Entry, error)
}

type TraceHandler struct {
	log TraceReader
}

func NewTraceHandler(l TraceReader) *TraceHandler {
	return &TraceHandler{log: l}
}

type traceList struct {
	Entries []trace.Entry `json:"entries"`
	Next    trace.ID      `json:"next,omitempty"` // from для следующей страницы
}

// List отдает журнал решений по возрастанию ID.
// GET /v1/traces?from=...&limit=...
func (h *TraceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from uint64
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = n
	}
	limit := defaultTraceLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTraceLimit)
	}

	entries, err := h.log.From(r.Context(), trace.ID(from), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read traces")
		return
	}

	resp := traceList{Entries: entries}
	if len(entries) == limit {
		resp.Next = entries[len(entries)-1].Trace.ID + 1
	}
	writeJSON(w, http.StatusOK, resp)
}
