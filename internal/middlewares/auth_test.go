package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Authenticate(secret), func(c *gin.Context) {
		claims := CtxValue(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"id": claims.UserID, "role": claims.Role})
	})
	r.GET("/admin", Authenticate(secret), RequireRole("admin", "finance"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func call(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate(t *testing.T) {
	r := router()
	valid, err := NewToken(secret, "user-1", "rider", time.Hour)
	require.NoError(t, err)
	expired, err := NewToken(secret, "user-1", "rider", -time.Minute)
	require.NoError(t, err)
	foreign, err := NewToken("other-secret", "user-1", "rider", time.Hour)
	require.NoError(t, err)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	w := call(r, "/me", valid)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"user-1","role":"rider"}`, w.Body.String())

	for name, token := range map[string]string{
		"missing":      "",
		"expired":      expired,
		"wrong secret": foreign,
		"alg none":     unsigned,
		"garbage":      "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, call(r, "/me", token).Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	r := router()
	rider, err := NewToken(secret, "user-1", "rider", time.Hour)
	require.NoError(t, err)
	admin, err := NewToken(secret, "ops-1", "Admin", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, call(r, "/admin", rider).Code)
	assert.Equal(t, http.StatusNoContent, call(r, "/admin", admin).Code)
}
