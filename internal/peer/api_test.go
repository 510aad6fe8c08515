package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/realtime"
	"github.com/aura-telehealth/backend/pkg/response"
)

func newAPIServer(t *testing.T) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	requireToken := func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer tok" {
			response.Unauthorized(c, "missing token")
			c.Abort()
		}
	}
	r.Use(requireToken)
	r.GET("/appointments/:id/check-access", func(c *gin.Context) {
		response.OK(c, gin.H{"accessible": false, "reason": "too early", "category": "timing", "message": "Consultation opens in 5 minutes"})
	})
	r.POST("/consultations/:id/start", func(c *gin.Context) {
		response.Rejected(c, http.StatusForbidden, "consultation not accessible", "window closed", "timing", nil)
	})
	r.GET("/webrtc/ice-servers", realtime.ICEServersHandler(realtime.ICEServers([]string{"turn:turn.example.org:3478"}, "u", "p")))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &API{BaseURL: srv.URL + "/", Token: "tok"}
}

func TestAPI_CheckAccess(t *testing.T) {
	api := newAPIServer(t)
	res, err := api.CheckAccess(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, res.Accessible)
	assert.Equal(t, access.ReasonTooEarly, res.Reason)
	assert.Equal(t, access.CategoryTiming, res.Category)
}

func TestAPI_StartRejected(t *testing.T) {
	api := newAPIServer(t)
	err := api.Start(context.Background(), uuid.New())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "window closed", apiErr.Reason)
}

func TestAPI_ICEServers(t *testing.T) {
	api := newAPIServer(t)
	servers, err := api.ICEServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[0].CredentialType)
}

func TestAPI_BadToken(t *testing.T) {
	api := newAPIServer(t)
	api.Token = "other"
	_, err := api.CheckAccess(context.Background(), uuid.New())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestAPI_WebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.org/ws", (&API{BaseURL: "https://api.example.org/"}).WebSocketURL())
	assert.Equal(t, "ws://localhost:8080/ws", (&API{BaseURL: "http://localhost:8080"}).WebSocketURL())
}
