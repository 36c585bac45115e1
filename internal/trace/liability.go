package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Role — роль участника цепочки делегирования в записи ответственности.
type Role string

const (
	RoleRoot         Role = "ROOT"
	RoleIntermediary Role = "INTERMEDIARY"
	RoleHolder       Role = "HOLDER"
)

type Party struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type LiabilityRecord struct {
	TraceID     ID      `json:"trace_id"`
	AuthorityID string  `json:"authority_id"`
	Parties     []Party `json:"parties"`
	Price       int64   `json:"price"`
	Digest      string  `json:"digest"`
}

func (r LiabilityRecord) Clone() LiabilityRecord {
	r.Parties = append([]Party(nil), r.Parties...)
	return r
}

// Derive — чистая функция трейса. Правило ответственности одно для всех:
// ответственны все звенья снятой цепочки в ее порядке. Первое звено — ROOT,
// последнее (если звеньев больше одного) — HOLDER, остальные — INTERMEDIARY.
// Цена копируется целиком, без распределения между участниками.
func Derive(t DecisionTrace) LiabilityRecord {
	chain := t.Authority.DelegationChain
	parties := make([]Party, len(chain))
	for i, id := range chain {
		parties[i] = Party{ID: id, Role: roleAt(i, len(chain))}
	}
	rec := LiabilityRecord{
		TraceID:     t.ID,
		AuthorityID: t.AuthorityID,
		Parties:     parties,
		Price:       t.Authority.Price,
	}
	rec.Digest = rec.digest()
	return rec
}

func roleAt(i, n int) Role {
	switch {
	case i == 0:
		return RoleRoot
	case i == n-1:
		return RoleHolder
	default:
		return RoleIntermediary
	}
}

// digest — sha256 канонического JSON записи без самого поля Digest.
// Поля только строки и целые числа, поэтому кодирование не падает.
func (r LiabilityRecord) digest() string {
	r.Digest = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Verify пересчитывает запись из трейса и сравнивает с сохраненной.
func (r LiabilityRecord) Verify(t DecisionTrace) bool {
	want := Derive(t)
	if want.Digest != r.Digest || want.TraceID != r.TraceID || want.Price != r.Price {
		return false
	}
	if len(want.Parties) != len(r.Parties) {
		return false
	}
	for i := range want.Parties {
		if want.Parties[i] != r.Parties[i] {
			return false
		}
	}
	return true
}
