package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ktvcast/ktvcast/log"
)

// Client talks to the remote room service over HTTP.
type Client struct {
	room   *Room
	client *http.Client
}

func NewClient(room *Room) *Client {
	return &Client{
		room: room,
		client: &http.Client{
			Timeout: 8 * time.Second,
		},
	}
}

// GetPlaylist fetches the room's current playlist snapshot.
func (c *Client) GetPlaylist(ctx context.Context) (*Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.room.PlaylistURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playlist fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist fetch returned %d", resp.StatusCode)
	}

	var playlist Playlist
	if err := json.NewDecoder(resp.Body).Decode(&playlist); err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}
	return &playlist, nil
}

// Advance asks the service to move the room to its next track. The service
// answers with a fresh playlist push/snapshot; the caller waits for that
// instead of switching locally.
func (c *Client) Advance(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.room.AdvanceURL(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("advance request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("advance returned %d", resp.StatusCode)
	}
	log.Debug(ctx, "Requested room advance", "room", c.room.ID)
	return nil
}
