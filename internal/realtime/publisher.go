// Package realtime pushes execution records to live subscribers.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"hft-core/internal/events"
)

// Publisher delivers a payload on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// ErrPublishFailed wraps non-success responses from a remote channel.
var ErrPublishFailed = errors.New("realtime publish failed")

const publishMutation = `mutation Publish($data: AWSJSON!, $name: String!) {
  publish(data: $data, name: $name) {
    data
    name
  }
}`

// GraphQLPublisher calls a publish(data, name) mutation on an AppSync-style endpoint.
type GraphQLPublisher struct {
	url    string
	apiKey string
	client *http.Client
}

func NewGraphQLPublisher(url, apiKey string, client *http.Client) *GraphQLPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GraphQLPublisher{url: url, apiKey: apiKey, client: client}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *GraphQLPublisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body, err := json.Marshal(graphQLRequest{
		Query:     publishMutation,
		Variables: map[string]any{"name": channel, "data": string(data)},
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrPublishFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrPublishFailed, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrPublishFailed, err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrPublishFailed, gr.Errors[0].Message)
	}
	return nil
}

// BusPublisher republishes on the in-process bus under events.Channel(channel).
// Websocket clients subscribe there.
type BusPublisher struct {
	bus *events.Bus
}

func NewBusPublisher(bus *events.Bus) *BusPublisher { return &BusPublisher{bus: bus} }

func (p *BusPublisher) Publish(_ context.Context, channel string, payload any) error {
	p.bus.Publish(events.Channel(channel), payload)
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
