package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gymbot/internal/wa"
	"gymbot/pkg/logx"
)

// pollLoop long-polls the bridge's event feed and forwards translated
// events to the session. Delivery into the channel blocks rather than
// drops: losing a "ready" or pairing event would wedge a bring-up.
func (c *Client) pollLoop(ctx context.Context) {
	defer c.runWG.Done()

	var cursor int64
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := c.pollOnce(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("event poll failed", logx.Err(err), logx.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		cursor = resp.Cursor

		for _, be := range resp.Events {
			ev, ok := translateEvent(be)
			if !ok {
				c.log.Debug("ignoring bridge event", logx.String("type", be.Type))
				continue
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, cursor int64) (*pollResponse, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("timeout", strconv.Itoa(int(c.cfg.PollTimeout.Seconds())))

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.endpoint("/events")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event poll: HTTP %d", resp.StatusCode)
	}
	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("event poll: %w", err)
	}
	return &pr, nil
}

// translateEvent maps a bridge event to a session event. Unknown types are
// dropped here; the session would no-op them anyway.
func translateEvent(be bridgeEvent) (wa.Event, bool) {
	switch be.Type {
	case "qr":
		return wa.Event{Kind: wa.EventPairingChallenge, Challenge: be.Data}, true
	case "authenticated":
		return wa.Event{Kind: wa.EventAuthenticated}, true
	case "ready":
		return wa.Event{Kind: wa.EventReady}, true
	case "auth_failure":
		return wa.Event{Kind: wa.EventAuthFailure, Detail: be.Data}, true
	case "disconnected":
		return wa.Event{Kind: wa.EventDisconnected, Detail: be.Data}, true
	case "error":
		return wa.Event{Kind: wa.EventRuntimeError, Detail: be.Data}, true
	}
	return wa.Event{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
