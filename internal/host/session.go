package host

import (
	"context"
	"fmt"

	"teleprompter/internal/discovery"
	"teleprompter/pkg/session"
)

// StartSession opens a room and returns its invite. A running session is
// kept and its invite returned again; the session outlives any UI that shows
// it and ends only with EndSession or Close.
func (c *Controller) StartSession(ctx context.Context) (discovery.Invite, error) {
	if c.session == nil {
		return discovery.Invite{}, ErrNoSession
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.invite != nil && c.session.State().RoomCode != "" {
		return *c.invite, nil
	}

	code, err := c.session.StartHost(ctx)
	if err != nil {
		return discovery.Invite{}, fmt.Errorf("start session: %w", err)
	}
	inv, err := discovery.NewInvite(c.opts.Origin, code, c.opts.QRSize)
	if err != nil {
		c.session.Stop()
		return discovery.Invite{}, err
	}
	c.invite = &inv
	c.logger.Info().Str("room_code", code).Str("url", inv.URL).Msg("session started")

	if c.opts.AdvertisePort > 0 {
		adv, err := discovery.Advertise(c.opts.AdvertisePort, inv)
		if err != nil {
			c.logger.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			c.advertiser = adv
		}
	}
	return inv, nil
}

// EndSession closes every transport. It is safe to call without a session.
func (c *Controller) EndSession() {
	if c.session == nil {
		return
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.advertiser.Shutdown()
	c.advertiser = nil
	if c.invite != nil {
		c.logger.Info().Str("room_code", c.invite.Code).Msg("session ended")
	}
	c.invite = nil
	c.session.Stop()
}

// Invite returns the invite of the running session.
func (c *Controller) Invite() (discovery.Invite, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.invite == nil {
		return discovery.Invite{}, false
	}
	return *c.invite, true
}

// SessionState reports the connection state; a controller without a session
// is always disconnected.
func (c *Controller) SessionState() session.ConnectionState {
	if c.session == nil {
		return session.ConnectionState{}
	}
	return c.session.State()
}
