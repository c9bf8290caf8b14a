package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/timmy/chronos/internal/domain"
)

// ErrResyncRequired is returned by Watch when the server dropped the subscription
// because the client fell behind. Calling Watch again starts from a new snapshot.
var ErrResyncRequired = errors.New("server requested resync")

// wsURL turns the HTTP base url into the WebSocket endpoint.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}

// Watch connects to the job stream, which subscribes on connect, and calls handle
// for every event, starting with the snapshot. It returns nil when ctx is done, the error of handle if it
// fails, or ErrResyncRequired when the server dropped the subscription.
func (c *Client) Watch(ctx context.Context, handle func(domain.Event) error) error {
	endpoint, err := c.wsURL()
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	defer conn.Close()

	// Unblock ReadJSON once the caller is done.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				return ErrResyncRequired
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch stream failed: %w", err)
		}
		if ev.Type == domain.EventAck {
			continue
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}
