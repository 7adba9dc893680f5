// Package matrix is the chat transport of the relay. It wraps a mautrix
// client: rooms are conversations, typing notifications are presence.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/relay"
)

// typingTimeout bounds how long a composing notification stays visible
// if the paused notification never arrives.
const typingTimeout = 30 * time.Second

// ErrUnknownUser is returned by operations that need the bot's own user ID
// before it has been resolved.
var ErrUnknownUser = errors.New("matrix: user ID unknown")

// Client talks to one homeserver as one user.
type Client struct {
	cli        *mautrix.Client
	retryDelay time.Duration
}

// New creates a Client for the configured homeserver. The user ID is
// resolved from the access token when Listen starts.
func New(cfg config.MatrixConfig) (*Client, error) {
	cli, err := mautrix.NewClient(cfg.HomeserverURL, "", cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create client: %w", err)
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Client{cli: cli, retryDelay: retryDelay}, nil
}

func (c *Client) whoAmI(ctx context.Context) error {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix: whoami failed: %w", err)
	}
	c.cli.UserID = resp.UserID
	c.cli.DeviceID = resp.DeviceID
	return nil
}

// SendText posts a plain text message to a room.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.cli.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send message to %q failed: %w", roomID, err)
	}
	return nil
}

// SetPresence maps composing/paused onto the room's typing notification.
func (c *Client) SetPresence(ctx context.Context, roomID string, presence relay.Presence) error {
	if c.cli.UserID == "" {
		return ErrUnknownUser
	}
	typing := presence == relay.PresenceComposing
	timeout := time.Duration(0)
	if typing {
		timeout = typingTimeout
	}
	if _, err := c.cli.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: typing update in %q failed: %w", roomID, err)
	}
	return nil
}

func (c *Client) acceptInvite(ctx context.Context, roomID id.RoomID) {
	if _, err := c.cli.JoinRoomByID(ctx, roomID); err != nil {
		logger.L.Warn("failed to accept invite", "conversation", roomID.String(), "error", err)
		return
	}
	logger.L.Info("joined room", "conversation", roomID.String())
}

var _ relay.Messenger = (*Client)(nil)
