package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"p2pdrop/models"
	"p2pdrop/protocol"
)

// Client talks to a relay's HTTP API.
type Client struct {
	Base string
	HTTP *http.Client
}

// NewClient returns a client for the relay at base, e.g. http://host:3001.
func NewClient(base string) *Client {
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: http.DefaultClient}
}

// CreateRoom registers a room for metadata.
func (c *Client) CreateRoom(ctx context.Context, metadata models.FileMetadata) (models.CreatedRoom, error) {
	var out models.CreatedRoom
	err := c.post(ctx, "/api/create-room", createRoomRequest{Metadata: metadata}, &out)
	if err != nil {
		return models.CreatedRoom{}, err
	}
	return out, nil
}

// GetRoom fetches room info. Unknown or expired rooms return
// protocol.ErrSessionNotFound.
func (c *Client) GetRoom(ctx context.Context, roomID string) (models.RoomInfo, error) {
	var out models.RoomInfo
	if err := c.getJSON(ctx, "/api/room/"+url.PathEscape(roomID), &out); err != nil {
		return models.RoomInfo{}, err
	}
	return out, nil
}

// SignalingURL returns the websocket URL for roomID and role.
func (c *Client) SignalingURL(roomID string, role models.Role) (string, error) {
	return SignalingURL(c.Base, roomID, role)
}

// SignalingURL maps an http(s) relay base to its ws(s) signaling endpoint.
func SignalingURL(base, roomID string, role models.Role) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	query := url.Values{}
	query.Set("roomId", roomID)
	query.Set("role", string(role))
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("relay get %s: %w", path, protocol.ErrSessionNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
