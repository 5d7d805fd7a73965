package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "attendance-engine"
)

func TestIssueAndVerify(t *testing.T) {
	pair, err := Issue("t-1", RoleTeacher, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	require.True(t, pair.RefreshExp.After(pair.AccessExp))

	v := NewJWTVerifier(testKey, testIssuer)
	p, err := v.Verify(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, Principal{ID: "t-1", Role: RoleTeacher}, p)
}

func TestVerifyRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong key", func(t *testing.T) {
		pair, err := Issue("t-1", RoleTeacher, testIssuer, "other-key", time.Minute, time.Hour)
		require.NoError(t, err)
		_, err = NewJWTVerifier(testKey, testIssuer).Verify(ctx, pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		pair, err := Issue("t-1", RoleTeacher, "someone-else", testKey, time.Minute, time.Hour)
		require.NoError(t, err)
		_, err = NewJWTVerifier(testKey, testIssuer).Verify(ctx, pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		pair, err := Issue("t-1", RoleTeacher, testIssuer, testKey, -time.Minute, time.Hour)
		require.NoError(t, err)
		_, err = NewJWTVerifier(testKey, testIssuer).Verify(ctx, pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		pair, err := Issue("t-1", Role("guest"), testIssuer, testKey, time.Minute, time.Hour)
		require.NoError(t, err)
		_, err = NewJWTVerifier(testKey, testIssuer).Verify(ctx, pair.AccessToken)
		require.Error(t, err)
	})
}

func TestAuthenticateMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", Authenticate(NewJWTVerifier(testKey, testIssuer)), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, p)
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Body.String(), "UNAUTHENTICATED")
	})

	t.Run("valid token", func(t *testing.T) {
		pair, err := Issue("stu-9", RoleStudent, testIssuer, testKey, time.Minute, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"id":"stu-9","role":"student"}`, w.Body.String())
	})
}
