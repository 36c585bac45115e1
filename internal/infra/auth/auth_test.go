package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signToken(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	var signKey interface{} = key
	if method == jwt.SigningMethodHS256 {
		signKey = []byte("shared-secret")
	}
	tok, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
	require.NoError(t, err)
	return tok
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func claimsFor(scopes ...string) Claims {
	c := Claims{
		UserID: "agent-1",
		Scopes: map[string]bool{},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	for _, s := range scopes {
		c.Scopes[s] = true
	}
	return c
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)

	tok := signToken(t, key, jwt.SigningMethodRS256, claimsFor(ScopeExecute))
	claims, err := v.VerifyToken("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.UserID)
	assert.True(t, claims.HasScope(ScopeExecute))
	assert.False(t, claims.HasScope(ScopeIssue))

	// Чужой ключ
	_, err = v.VerifyToken(signToken(t, newKey(t), jwt.SigningMethodRS256, claimsFor(ScopeExecute)))
	assert.Error(t, err)

	// Подмена алгоритма
	_, err = v.VerifyToken(signToken(t, key, jwt.SigningMethodHS256, claimsFor(ScopeExecute)))
	assert.Error(t, err)

	expired := claimsFor(ScopeExecute)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.VerifyToken(signToken(t, key, jwt.SigningMethodRS256, expired))
	assert.Error(t, err)
}

func TestHasScope_Admin(t *testing.T) {
	c := claimsFor(ScopeAdmin)
	assert.True(t, c.HasScope(ScopeIssue))
	assert.True(t, c.HasScope(ScopeAudit))
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	pub, err := ParseRSAPublicKey(data)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
	_, err = ParseRSAPublicKey([]byte("garbage"))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)
	h := NewMiddleware(v, zap.NewNop())(RequireScope(ScopeIssue)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(c.UserID))
	})))

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer nope").Code)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+signToken(t, key, jwt.SigningMethodRS256, claimsFor(ScopeExecute))).Code)

	rr := call("Bearer " + signToken(t, key, jwt.SigningMethodRS256, claimsFor(ScopeIssue)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "agent-1", rr.Body.String())
}
