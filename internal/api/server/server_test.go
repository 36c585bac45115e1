package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/api/server"
	"github.com/xela07ax/able/internal/authority"
	"github.com/xela07ax/able/internal/connectors"
	"github.com/xela07ax/able/internal/delegation"
	"github.com/xela07ax/able/internal/engine"
	"github.com/xela07ax/able/internal/infra/auth"
	"github.com/xela07ax/able/internal/scope"
	"github.com/xela07ax/able/internal/trace"
)

// stubValidator принимает токен вида "Bearer <scope>".
type stubValidator struct{}

func (stubValidator) VerifyToken(tokenStr string) (*auth.Claims, error) {
	if len(tokenStr) <= len("Bearer ") {
		return nil, errors.New("bad token")
	}
	s := tokenStr[len("Bearer "):]
	if s == "bad" {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{UserID: "tester", Scopes: map[string]bool{s: true}}, nil
}

type fixture struct {
	srv     http.Handler
	manager *authority.Manager
	log     *trace.MemoryLog
	revoker *engine.RevocationManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	revoker := engine.NewRevocationManager(nil, nil, logger)
	m, c := authority.NewManager(scope.Exact{}, delegation.All(delegation.Structural{}, revoker), logger,
		authority.WithDelegationRecheck())
	log := trace.NewMemoryLog()

	local := connectors.NewLocalConnector()
	local.Register("fail", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("downstream refused")
	})
	gate := engine.NewExecutionGate(c, local, trace.NewSequencer(0), log, nil, nil, logger)

	srv := server.NewAPIServer(server.Deps{
		Authority: m,
		Gate:      gate,
		Traces:    log,
		Revoker:   revoker,
		Validator: stubValidator{},
	}, logger)
	return &fixture{srv: srv, manager: m, log: log, revoker: revoker}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) issue(t *testing.T, sc string, chain []string, price int64) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/authority", auth.ScopeIssue, map[string]interface{}{
		"scope": sc, "delegation_chain": chain, "price": price,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var au struct {
		ID     string `json:"id"`
		Digest string `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &au))
	require.NotEmpty(t, au.Digest)
	return au.ID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/execute", "", map[string]string{"authority_id": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/execute", "bad", map[string]string{"authority_id": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Скоуп выпуска не дает права исполнять
	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeIssue, map[string]string{"authority_id": "x"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// admin покрывает все
	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeAdmin, map[string]string{"authority_id": "x"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIssueAndGet(t *testing.T) {
	f := newFixture(t)
	id := f.issue(t, "read:file_x", []string{"root", "agentA"}, 10)

	rr := f.do(t, http.MethodGet, "/v1/authority/"+id, auth.ScopeAudit, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "read:file_x", got["scope"])
	assert.Equal(t, "UNCONSUMED", got["state"])

	rr = f.do(t, http.MethodGet, "/v1/authority/missing", auth.ScopeAudit, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIssue_Invalid(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		body interface{}
		code int
	}{
		"negative price": {map[string]interface{}{"scope": "a", "delegation_chain": []string{"root"}, "price": -1}, http.StatusUnprocessableEntity},
		"empty scope":    {map[string]interface{}{"scope": "", "delegation_chain": []string{"root"}, "price": 1}, http.StatusUnprocessableEntity},
		"empty chain":    {map[string]interface{}{"scope": "a", "price": 1}, http.StatusForbidden},
		"unknown field":  {map[string]interface{}{"scope": "a", "owner": "me"}, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/v1/authority", auth.ScopeIssue, tc.body)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
		})
	}
}

func TestExecute_ConsumesOnce(t *testing.T) {
	f := newFixture(t)
	id := f.issue(t, "read:file_x", []string{"root", "ops", "agentA"}, 10)

	body := map[string]interface{}{
		"authority_id": id,
		"action":       map[string]interface{}{"name": "echo", "scope": "read:file_x", "payload": map[string]string{"path": "/x"}},
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(mustJSON(t, body)))
	req.Header.Set("Authorization", "Bearer "+auth.ScopeExecute)
	req.Header.Set(engine.CorrelationHeader, "corr-1")
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "corr-1", rr.Header().Get(engine.CorrelationHeader))

	var entry trace.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, trace.StatusSuccess, entry.Trace.Outcome.Status)
	assert.JSONEq(t, `{"path":"/x"}`, string(entry.Trace.Outcome.Result))
	assert.Equal(t, "corr-1", entry.Trace.CorrelationID)
	require.Len(t, entry.Liability.Parties, 3)
	assert.Equal(t, int64(10), entry.Liability.Price)
	assert.True(t, entry.Liability.Verify(entry.Trace))

	// Повторная попытка дает конфликт, нового трейса нет
	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, 1, f.log.Len())
}

func TestExecute_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.issue(t, "read:file_x", []string{"root", "agentA"}, 10)

	// Scope не покрыт: 403 и AU остается непотребленной
	rr := f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{
		"authority_id": id,
		"action":       map[string]interface{}{"name": "echo", "scope": "write:file_x"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	au, ok := f.manager.Get(id)
	require.True(t, ok)
	assert.False(t, au.IsConsumed())

	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{"action": map[string]string{"name": "echo"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, f.log.Len())
}

func TestExecute_ExecutorFailureStillConsumes(t *testing.T) {
	f := newFixture(t)
	id := f.issue(t, "write:db", []string{"root"}, 7)

	rr := f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{
		"authority_id": id,
		"action":       map[string]interface{}{"name": "fail", "scope": "write:db"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var entry trace.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, trace.StatusFailed, entry.Trace.Outcome.Status)
	assert.Contains(t, entry.Trace.Outcome.Error, "downstream refused")

	au, _ := f.manager.Get(id)
	assert.True(t, au.IsConsumed())
}

func TestTraces_Paging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		id := f.issue(t, "read", []string{"root"}, 1)
		rr := f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{
			"authority_id": id, "action": map[string]string{"name": "noop", "scope": "read"},
		})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := f.do(t, http.MethodGet, "/v1/traces?limit=2", auth.ScopeAudit, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page struct {
		Entries []trace.Entry `json:"entries"`
		Next    trace.ID      `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, trace.ID(3), page.Next)

	rr = f.do(t, http.MethodGet, "/v1/traces?from=3", auth.ScopeAudit, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page.Next = 0
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Zero(t, page.Next)

	rr = f.do(t, http.MethodGet, "/v1/traces?limit=0", auth.ScopeAudit, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssuers_RevokeBlocksIssueAndExecute(t *testing.T) {
	f := newFixture(t)
	id := f.issue(t, "read", []string{"root", "agentA"}, 1)

	rr := f.do(t, http.MethodPost, "/v1/issuers/agentA/revoke", auth.ScopeIssue, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/issuers/agentA/revoke", auth.ScopeAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.revoker.IsRevoked("agentA"))

	rr = f.do(t, http.MethodPost, "/v1/authority", auth.ScopeIssue, map[string]interface{}{
		"scope": "read", "delegation_chain": []string{"root", "agentA"}, "price": 1,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Перепроверка делегирования: уже выпущенная AU тоже не проходит
	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{
		"authority_id": id, "action": map[string]string{"name": "noop", "scope": "read"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/issuers/agentA/restore", auth.ScopeAdmin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/issuers/agentA", auth.ScopeAdmin, nil)
	assert.JSONEq(t, `{"issuer":"agentA","revoked":false}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/execute", auth.ScopeExecute, map[string]interface{}{
		"authority_id": id, "action": map[string]string{"name": "noop", "scope": "read"},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
