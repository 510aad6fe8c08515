package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/auth"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/signaling"
)

func newWsServer(t *testing.T, f *relayFixture, jwtService *auth.JWTService) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", ServeWs(f.hub, jwtService.Validate, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// read returns the next non session-state message.
func read(t *testing.T, conn *websocket.Conn) signaling.WSMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg signaling.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event != signaling.EventSessionState {
			return msg
		}
	}
}

func TestServeWs_RejectsMissingOrBadToken(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	url := newWsServer(t, f, auth.NewJWTService("secret", 1))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWs_OfferAnswerRoundTrip(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	jwtService := auth.NewJWTService("secret", 1)
	url := newWsServer(t, f, jwtService)

	doctorToken, err := jwtService.Generate(doctorID, "dr@example.com", models.RoleDoctor)
	require.NoError(t, err)
	patientToken, err := jwtService.Generate(patientID, "pt@example.com", models.RolePatient)
	require.NoError(t, err)

	doctor := dial(t, url+"?token="+doctorToken, nil)
	patient := dial(t, url, http.Header{"Authorization": []string{"Bearer " + patientToken}})

	join := signaling.JoinPayload{AppointmentID: f.appt.ID.String()}
	require.NoError(t, doctor.WriteJSON(mustEncode(t, signaling.EventJoin, join)))
	msg := read(t, doctor)
	require.Equal(t, signaling.EventExistingParticipants, msg.Event)

	require.NoError(t, patient.WriteJSON(mustEncode(t, signaling.EventJoin, join)))
	msg = read(t, patient)
	require.Equal(t, signaling.EventExistingParticipants, msg.Event)
	var existing []signaling.Participant
	require.NoError(t, msg.Decode(&existing))
	require.Len(t, existing, 1)
	doctorSocket := existing[0].SocketID

	msg = read(t, doctor)
	require.Equal(t, signaling.EventUserJoined, msg.Event)
	var joined signaling.Participant
	require.NoError(t, msg.Decode(&joined))
	patientSocket := joined.SocketID

	require.NoError(t, patient.WriteJSON(mustEncode(t, signaling.EventOffer, signaling.SignalPayload{
		AppointmentID: f.appt.ID.String(),
		Offer:         []byte(`{"type":"offer","sdp":"v=0"}`),
		To:            doctorSocket,
	})))
	msg = read(t, doctor)
	require.Equal(t, signaling.EventOffer, msg.Event)
	var offer signaling.SignalPayload
	require.NoError(t, msg.Decode(&offer))
	assert.Equal(t, patientSocket, offer.From)

	require.NoError(t, doctor.WriteJSON(mustEncode(t, signaling.EventAnswer, signaling.SignalPayload{
		AppointmentID: f.appt.ID.String(),
		Answer:        []byte(`{"type":"answer","sdp":"v=0"}`),
		To:            offer.From,
	})))
	msg = read(t, patient)
	require.Equal(t, signaling.EventAnswer, msg.Event)

	// closing the transport counts as leaving
	require.NoError(t, patient.Close())
	msg = read(t, doctor)
	require.Equal(t, signaling.EventUserLeft, msg.Event)
	var left signaling.Participant
	require.NoError(t, msg.Decode(&left))
	assert.Equal(t, patientSocket, left.SocketID)
	assert.Equal(t, patientID.String(), left.UserID)
}

func TestServeWs_SameUserTwoTabs(t *testing.T) {
	f := newRelayFixture(t, inWindow())
	jwtService := auth.NewJWTService("secret", 1)
	url := newWsServer(t, f, jwtService)
	token, err := jwtService.Generate(doctorID, "dr@example.com", models.RoleDoctor)
	require.NoError(t, err)

	first := dial(t, url+"?token="+token, nil)
	second := dial(t, url+"?token="+token, nil)
	join := signaling.JoinPayload{AppointmentID: f.appt.ID.String(), UserID: uuid.NewString()}

	require.NoError(t, first.WriteJSON(mustEncode(t, signaling.EventJoin, join)))
	require.Equal(t, signaling.EventExistingParticipants, read(t, first).Event)

	require.NoError(t, second.WriteJSON(mustEncode(t, signaling.EventJoin, join)))
	require.Equal(t, signaling.EventExistingParticipants, read(t, second).Event)
	assert.Equal(t, signaling.EventSessionReplaced, read(t, first).Event)
}
