package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pollmesh/pollmesh/internal/protocol"
)

// HeartbeatReply is one decoded heartbeat response. When Kicked is true the
// relay sent the bare kick form and Signals/Participants are empty.
type HeartbeatReply struct {
	Kicked       bool                       `json:"kicked"`
	Signals      []protocol.DeliveredSignal `json:"signals"`
	Participants []protocol.Participant     `json:"participants"`
}

// RelayClient is the coordinator's view of the signaling relay. *Client is
// the HTTP implementation; tests substitute in-process fakes.
type RelayClient interface {
	Join(ctx context.Context, roomID, userID, userName string) ([]protocol.Participant, error)
	Heartbeat(ctx context.Context, roomID, userID string) (HeartbeatReply, error)
	Signal(ctx context.Context, roomID, userID, targetID string, payload protocol.SignalPayload) error
	KickAll(ctx context.Context, roomID, userID string) error
	Leave(ctx context.Context, roomID, userID string) error
}

// Client speaks the short-polling signaling protocol over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the relay at baseURL (scheme://host[:port],
// no trailing path). httpClient may be nil; a default with a bounded timeout
// is used so a stuck relay cannot wedge the poll loop.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

func (c *Client) Join(ctx context.Context, roomID, userID, userName string) ([]protocol.Participant, error) {
	var resp protocol.JoinResponse
	err := c.post(ctx, protocol.Request{
		Type:   protocol.RequestJoin,
		RoomID: roomID,
		UserID: userID,
		Data:   protocol.RequestData{UserName: userName},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

func (c *Client) Heartbeat(ctx context.Context, roomID, userID string) (HeartbeatReply, error) {
	var resp HeartbeatReply
	err := c.post(ctx, protocol.Request{
		Type:   protocol.RequestHeartbeat,
		RoomID: roomID,
		UserID: userID,
	}, &resp)
	return resp, err
}

func (c *Client) Signal(ctx context.Context, roomID, userID, targetID string, payload protocol.SignalPayload) error {
	raw, err := payload.Marshal()
	if err != nil {
		return err
	}
	return c.post(ctx, protocol.Request{
		Type:     protocol.RequestSignal,
		RoomID:   roomID,
		UserID:   userID,
		TargetID: targetID,
		Data:     protocol.RequestData{Signal: raw},
	}, &protocol.AckResponse{})
}

func (c *Client) KickAll(ctx context.Context, roomID, userID string) error {
	return c.post(ctx, protocol.Request{
		Type:   protocol.RequestKickAll,
		RoomID: roomID,
		UserID: userID,
	}, &protocol.AckResponse{})
}

func (c *Client) Leave(ctx context.Context, roomID, userID string) error {
	return c.post(ctx, protocol.Request{
		Type:   protocol.RequestLeave,
		RoomID: roomID,
		UserID: userID,
	}, &protocol.AckResponse{})
}

// Participants fetches the read-only active-participant projection.
func (c *Client) Participants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	u := c.baseURL + "/api/signaling?roomId=" + url.QueryEscape(roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp protocol.ParticipantsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// ICEServers fetches the relay's ICE server configuration, including any
// ephemeral TURN credentials minted for userID.
func (c *Client) ICEServers(ctx context.Context, userID string) ([]webrtc.ICEServer, error) {
	u := c.baseURL + "/webrtc/ice"
	if userID != "" {
		u += "?userId=" + url.QueryEscape(userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (c *Client) post(ctx context.Context, body protocol.Request, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/signaling", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mesh: read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var relayErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &relayErr) == nil && relayErr.Code != "" {
			return fmt.Errorf("mesh: relay error %s: %s", relayErr.Code, relayErr.Message)
		}
		return fmt.Errorf("mesh: relay returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mesh: decode relay response: %w", err)
	}
	return nil
}
