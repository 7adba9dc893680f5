package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/relay"
)

// syncer retries failed syncs after a fixed delay instead of mautrix's
// default ten seconds. An unknown token stays fatal.
type syncer struct {
	*mautrix.DefaultSyncer
	retryDelay time.Duration
}

func (s *syncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	if errors.Is(err, mautrix.MUnknownToken) {
		return 0, err
	}
	logger.L.Error("sync failed; reconnecting", "error", err, "retry_in", s.retryDelay.String())
	return s.retryDelay, nil
}

// Listen syncs until ctx is done, handing every text message written by
// someone else to deliver. Messages already in the rooms when Listen starts
// are skipped. Invites are accepted.
func (c *Client) Listen(ctx context.Context, deliver func(relay.Inbound)) error {
	if c.cli.UserID == "" {
		if err := c.whoAmI(ctx); err != nil {
			return err
		}
	}
	logger.L.Info("matrix connection opened", "user", c.cli.UserID.String())

	s := &syncer{DefaultSyncer: mautrix.NewDefaultSyncer(), retryDelay: c.retryDelay}
	s.OnSync(c.skipBacklog)
	s.OnEventType(event.StateMember, c.onMember)
	s.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		text, ok := c.textOf(evt)
		if !ok {
			return
		}
		deliver(relay.Inbound{ConversationID: evt.RoomID.String(), Text: text, EventID: evt.ID.String()})
	})
	c.cli.Syncer = s

	err := c.cli.SyncWithContext(ctx)
	if ctx.Err() != nil || err == nil {
		return nil
	}
	return fmt.Errorf("matrix: sync stopped: %w", err)
}

// skipBacklog accepts pending invites from the initial sync and drops the
// rest of it.
func (c *Client) skipBacklog(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	if since != "" {
		return true
	}
	for roomID := range resp.Rooms.Invite {
		c.acceptInvite(ctx, roomID)
	}
	logger.L.Debug("skipped backlog from initial sync", "rooms", len(resp.Rooms.Join))
	return false
}

func (c *Client) onMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.cli.UserID.String() || evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	c.acceptInvite(ctx, evt.RoomID)
}

// textOf returns the body of a plain text message sent by another user.
func (c *Client) textOf(evt *event.Event) (string, bool) {
	if evt.Sender == c.cli.UserID {
		return "", false
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText || content.NewContent != nil || content.RelatesTo.GetReplaceID() != "" || content.Body == "" {
		logger.L.Debug("ignoring non-text message", "event", evt.ID.String(), "msgtype", string(content.MsgType))
		return "", false
	}
	return content.Body, true
}
