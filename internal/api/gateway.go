package api

import (
	"context"
	"fmt"
)

// GatewayBot fetches the socket URL, recommended shard count and session
// start limit for the authenticated bot.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var resp GatewayBot
	if err := c.get(ctx, "/gateway/bot", &resp); err != nil {
		return nil, fmt.Errorf("get gateway bot: %w", err)
	}

	if resp.URL == "" {
		return nil, fmt.Errorf("get gateway bot: empty url")
	}
	if resp.SessionStartLimit.MaxConcurrency < 1 {
		resp.SessionStartLimit.MaxConcurrency = 1
	}

	return &resp, nil
}
