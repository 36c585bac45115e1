package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/able/internal/engine"
	"github.com/xela07ax/able/internal/trace"
)

type Gate interface {
	Execute(ctx context.Context, req engine.Request) (trace.DecisionTrace, error)
}

type ExecuteHandler struct {
	gate Gate
}

func NewExecuteHandler(g Gate) *ExecuteHandler {
	return &ExecuteHandler{gate: g}
}

type executeRequest struct {
	AuthorityID string       `json:"authority_id"`
	Action      trace.Action `json:"action"`
}

// Execute проводит действие через гейт. Отказ исполнителя — это 200 с FAILED в outcome.
// POST /v1/execute
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AuthorityID == "" {
		writeError(w, http.StatusBadRequest, "authority_id is required")
		return
	}

	t, err := h.gate.Execute(r.Context(), engine.Request{
		AuthorityID:   req.AuthorityID,
		Action:        req.Action,
		CorrelationID: engine.CorrelationID(r.Context()),
	})
	if err != nil {
		writeAuthorityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace.NewEntry(t))
}
