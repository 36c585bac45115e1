package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type IssuerRevoker interface {
	Revoke(ctx context.Context, issuer string) error
	Restore(ctx context.Context, issuer string) error
	IsRevoked(issuer string) bool
}

// IssuerHandler управляет отзывом издателей. Отзыв влияет на новые выпуски
// и, при recheck_delegation, на валидацию уже выпущенных AU.
type IssuerHandler struct {
	revoker IssuerRevoker
}

func NewIssuerHandler(r IssuerRevoker) *IssuerHandler {
	return &IssuerHandler{revoker: r}
}

type issuerStatus struct {
	Issuer  string `json:"issuer"`
	Revoked bool   `json:"revoked"`
}

// GET /v1/issuers/{id}
func (h *IssuerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, issuerStatus{Issuer: id, Revoked: h.revoker.IsRevoked(id)})
}

// POST /v1/issuers/{id}/revoke
func (h *IssuerHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, true)
}

// POST /v1/issuers/{id}/restore
func (h *IssuerHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, false)
}

func (h *IssuerHandler) set(w http.ResponseWriter, r *http.Request, revoke bool) {
	id := chi.URLParam(r, "id")
	op := h.revoker.Restore
	if revoke {
		op = h.revoker.Revoke
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issuerStatus{Issuer: id, Revoked: revoke})
}
