// Package aivoice connects to the ElevenLabs conversational agent backend
// over WebSocket and exposes its events as typed Go values.
package aivoice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxdial/voxdial/pkg/core"
)

const defaultAPIBase = "https://api.elevenlabs.io"

// SignedURLResolver exchanges the API key and agent ID for a short-lived
// signed WebSocket URL. Resolved per call; signed URLs expire quickly and
// must not be cached.
type SignedURLResolver struct {
	apiKey  string
	agentID string
	baseURL string
	httpc   *http.Client
}

type ResolverConfig struct {
	APIKey     string
	AgentID    string
	BaseURL    string // test override
	HTTPClient *http.Client
}

func NewSignedURLResolver(cfg ResolverConfig) (*SignedURLResolver, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		missing = append(missing, "agent ID")
	}
	if len(missing) > 0 {
		return nil, core.NewConfigIncomplete(missing)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SignedURLResolver{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		agentID: strings.TrimSpace(cfg.AgentID),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   cfg.HTTPClient,
	}, nil
}

// Resolve fetches a fresh signed WebSocket URL for the configured agent.
func (r *SignedURLResolver) Resolve(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s",
		r.baseURL, url.QueryEscape(r.agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", core.NewUpstreamUnknown(err)
	}
	req.Header.Set("xi-api-key", r.apiKey)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", core.NewUpstreamUnknown(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", core.NewUpstreamAuth("voice backend rejected the API key")
	default:
		return "", core.NewUpstreamRejected(fmt.Sprintf("signed url request returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", core.NewUpstreamUnknown(fmt.Errorf("decoding signed url response: %w", err))
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", core.NewUpstreamRejected("signed url response was empty")
	}
	return payload.SignedURL, nil
}
