package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/infra/auth"
)

// AuthorityService — то, что API может делать с AU. Потребления здесь нет.
type AuthorityService interface {
	Issue(ctx context.Context, scope authority.Scope, chain []string, price int64) (authority.AuthorityUnit, error)
	Get(id string) (authority.AuthorityUnit, bool)
}

type AuthorityHandler struct {
	service AuthorityService
	logger  *zap.Logger
}

func NewAuthorityHandler(s AuthorityService, logger *zap.Logger) *AuthorityHandler {
	return &AuthorityHandler{service: s, logger: logger}
}

type issueRequest struct {
	Scope           authority.Scope `json:"scope"`
	DelegationChain []string        `json:"delegation_chain"`
	Price           int64           `json:"price"`
}

type authorityView struct {
	authority.AuthorityUnit
	Digest string `json:"digest"`
}

func newAuthorityView(au authority.AuthorityUnit) (authorityView, error) {
	d, err := au.Digest()
	return authorityView{AuthorityUnit: au, Digest: d}, err
}

// Issue выпускает новую AU.
// POST /v1/authority
func (h *AuthorityHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	au, err := h.service.Issue(r.Context(), req.Scope, req.DelegationChain, req.Price)
	if err != nil {
		writeAuthorityError(w, err)
		return
	}

	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		h.logger.Info("authority issued via api", zap.String("authority_id", au.ID), zap.String("user_id", claims.UserID))
	}

	view, err := newAuthorityView(au)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "digest failed")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// Get возвращает снимок AU с дайджестом. Только для отображения и аудита.
// GET /v1/authority/{id}
func (h *AuthorityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	au, ok := h.service.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "authority unit not found", Kind: "not_found"})
		return
	}
	view, err := newAuthorityView(au)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "digest failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
