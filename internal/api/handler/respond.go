package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/able/internal/authority"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeAuthorityError отдает ошибку ядра с HTTP-статусом по ее виду.
func writeAuthorityError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusRequestTimeout, errorResponse{Error: err.Error(), Kind: "cancelled"})
		return
	}
	kind := authority.Kind(err)
	writeJSON(w, StatusFor(kind), errorResponse{Error: err.Error(), Kind: kind})
}

// StatusFor маппит вид ошибки (authority.Kind) в HTTP-статус.
func StatusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "already_consumed":
		return http.StatusConflict
	case "scope_mismatch", "invalid_delegation":
		return http.StatusForbidden
	case "expired":
		return http.StatusGone
	case "invalid_price", "invalid_scope":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
