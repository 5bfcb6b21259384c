package main

import (
	"fmt"
	"net/url"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/agent/httpagent"
	"github.com/micromdm/nanoflow/agent/wsagent"

	"github.com/micromdm/nanolib/log"
)

const agentUsername = "nanoflow"

// parseAgent configures the device agent transport from the scheme of rawURL.
func parseAgent(rawURL, apiKey string, rateLimit float64, logger log.Logger) (agent.Agent, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing agent url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		opts := []httpagent.Option{
			httpagent.WithLogger(logger),
			httpagent.WithRateLimit(rateLimit, 1),
		}
		if apiKey != "" {
			opts = append(opts, httpagent.WithBasicAuth(agentUsername, apiKey))
		}
		return httpagent.New(rawURL, opts...)
	case "ws", "wss":
		return wsagent.New(rawURL, wsagent.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("unknown agent url scheme: %s", u.Scheme)
}
