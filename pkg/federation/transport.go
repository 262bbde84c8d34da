package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Transport carries signed sync envelopes to a peer endpoint. The HTTP
// implementation talks to the peer's /federation handlers; tests pair two
// engines in process.
type Transport interface {
	SendManifest(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error)
	SendNodes(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error)
}

// HTTPTransport posts envelopes to a peer's federation endpoints.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport with sane timeouts for sync traffic.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPTransport) SendManifest(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error) {
	return t.post(ctx, endpoint+"/federation/manifest", env)
}

func (t *HTTPTransport) SendNodes(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error) {
	return t.post(ctx, endpoint+"/federation/nodes", env)
}

func (t *HTTPTransport) post(ctx context.Context, url string, env *Envelope) (*Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %s", resp.Status)
	}

	var out Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode peer envelope: %w", err)
	}
	return &out, nil
}
