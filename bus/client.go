package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPublisher posts envelopes to the platform's bus ingress over HTTP.
// The wire protocol of the underlying message bus is out of scope for
// this system (spec.md §1 Non-goals): HTTPPublisher is the one concrete
// adapter scoutd needs to hand the Controller a working bus.Publisher,
// grounded on the teacher's publishEventHTTP callback client.
type HTTPPublisher struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPPublisher returns a publisher that POSTs to endpoint with a 10s
// per-request timeout.
func NewHTTPPublisher(endpoint string) *HTTPPublisher {
	return &HTTPPublisher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish encodes env and POSTs it to p.Endpoint.
func (p *HTTPPublisher) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bus: publish to %s failed: %s", p.Endpoint, resp.Status)
	}
	return nil
}

// DecodeRequest is the HTTP-side counterpart of HTTPPublisher: it reads
// one envelope from an inbound request body. Used by a bus ingress
// handler (cmd/scoutd's serve command) to accept agent-originated
// messages (store-info, store-msg, operator commands) over the same
// HTTP convention.
func DecodeRequest(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	return &e, nil
}
