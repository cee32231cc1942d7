package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789abcdef0123"

func adminRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api", RequireAdminToken(testSecret))
	api.GET("/whoami", func(c *gin.Context) {
		p := models.GetPrincipalFromContext(c)
		fromRequest := models.GetPrincipalFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"sub": p.Subject, "role": p.Role, "same": fromRequest == p})
	})
	api.GET("/ops", RequireOperator(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdminToken_Valid(t *testing.T) {
	token, err := IssueAdminToken(testSecret, "alice", models.RoleOwner, time.Hour)
	require.NoError(t, err)

	w := do(adminRouter(), "/api/whoami", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sub":"alice","role":"owner","same":true}`, w.Body.String())
}

func TestRequireAdminToken_Rejects(t *testing.T) {
	expired, err := IssueAdminToken(testSecret, "alice", models.RoleOwner, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueAdminToken("another-secret", "alice", models.RoleOwner, time.Hour)
	require.NoError(t, err)
	badRole, err := IssueAdminToken(testSecret, "alice", "admin", time.Hour)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "role": models.RoleOwner,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "role": models.RoleOperator, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "bearer token required"},
		{"garbage", "not-a-jwt", "invalid admin token"},
		{"expired", expired, "admin token expired"},
		{"wrong key", wrongKey, "invalid admin token"},
		{"unknown role", badRole, "unknown role"},
		{"no expiry", noExp, "invalid admin token"},
		{"alg none", none, "invalid admin token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(adminRouter(), "/api/whoami", tt.token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
		})
	}
}

func TestRequireOperator(t *testing.T) {
	owner, err := IssueAdminToken(testSecret, "alice", models.RoleOwner, time.Hour)
	require.NoError(t, err)
	operator, err := IssueAdminToken(testSecret, "ops", models.RoleOperator, time.Hour)
	require.NoError(t, err)

	r := adminRouter()
	assert.Equal(t, http.StatusForbidden, do(r, "/api/ops", owner).Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/api/ops", operator).Code)
}
