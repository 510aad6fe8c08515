package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/aura-telehealth/backend/internal/access"
)

const apiTimeout = 10 * time.Second

// API is a client for the consultation REST endpoints.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status   int
	Message  string
	Reason   string
	Category string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Error    string          `json:"error"`
	Reason   string          `json:"reason"`
	Category string          `json:"category"`
}

// CheckAccess calls GET /appointments/:id/check-access.
func (a *API) CheckAccess(ctx context.Context, appointmentID uuid.UUID) (access.Result, error) {
	var res access.Result
	err := a.do(ctx, http.MethodGet, "/appointments/"+appointmentID.String()+"/check-access", &res)
	return res, err
}

// Start calls POST /consultations/:id/start.
func (a *API) Start(ctx context.Context, appointmentID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/consultations/"+appointmentID.String()+"/start", nil)
}

// End calls POST /consultations/:id/end.
func (a *API) End(ctx context.Context, appointmentID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/consultations/"+appointmentID.String()+"/end", nil)
}

// ICEServers fetches the ICE configuration.
func (a *API) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var out struct {
		ICEServers []webrtc.ICEServer `json:"ice_servers"`
	}
	if err := a.do(ctx, http.MethodGet, "/webrtc/ice-servers", &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

// WebSocketURL returns the relay URL derived from BaseURL.
func (a *API) WebSocketURL() string {
	base := strings.TrimRight(a.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (a *API) do(ctx context.Context, method, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	client := a.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error, Reason: env.Reason, Category: env.Category}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
