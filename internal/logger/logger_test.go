package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupLevel(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, Setup(false, "").GetLevel())
	require.Equal(t, zerolog.DebugLevel, Setup(true, "").GetLevel())
	require.Equal(t, zerolog.WarnLevel, Setup(false, "warn").GetLevel())
	require.Equal(t, zerolog.InfoLevel, Setup(false, "loud").GetLevel())
}

func TestGinRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	r := gin.New()
	r.Use(GinRequests(log))
	r.GET("/v1/sessions/:id", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("inside")
		c.Status(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))
	require.Equal(t, http.StatusTeapot, w.Code)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var inner, outer map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &inner))
	require.NoError(t, json.Unmarshal(lines[1], &outer))
	require.Equal(t, "/v1/sessions/:id", inner["path"])
	require.Equal(t, "http request", outer["message"])
	require.Equal(t, "debug", outer["level"])
	require.EqualValues(t, http.StatusTeapot, outer["status"])
}
