// Package telnyx talks to the Telnyx Call Control API and decodes its
// webhooks.
package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaxllo/calls"
)

const (
	DefaultBaseURL = "https://api.telnyx.com/v2"

	transcriptionEngine = "A"
)

// Client issues Call Control actions. It implements calls.ActionGateway.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL (DefaultBaseURL when empty). A nil
// httpClient gets a traced client with a 30s timeout.
func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

var _ calls.ActionGateway = (*Client)(nil)

func (c *Client) Answer(ctx context.Context, token string) error {
	return c.action(ctx, token, "answer", map[string]any{})
}

func (c *Client) Speak(ctx context.Context, token string, sp calls.Speech) error {
	params := map[string]any{
		"payload": sp.Text,
		"voice":   sp.Voice.Voice,
	}
	if sp.Voice.Language != "" {
		params["language"] = sp.Voice.Language
	}
	if sp.Voice.SSML {
		params["payload_type"] = "ssml"
	}
	if sp.Voice.APIKeyRef != "" {
		params["voice_settings"] = map[string]any{"api_key_ref": sp.Voice.APIKeyRef}
	}
	if sp.ClientState != "" {
		params["client_state"] = EncodeClientState(sp.ClientState)
	}
	return c.action(ctx, token, "speak", params)
}

func (c *Client) StopPlayback(ctx context.Context, token string) error {
	return c.action(ctx, token, "playback_stop", map[string]any{})
}

func (c *Client) StartTranscription(ctx context.Context, token, language string) error {
	return c.action(ctx, token, "transcription_start", map[string]any{
		"language":             language,
		"transcription_engine": transcriptionEngine,
	})
}

func (c *Client) Hangup(ctx context.Context, token string) error {
	return c.action(ctx, token, "hangup", map[string]any{})
}

func (c *Client) Transfer(ctx context.Context, token, to string) error {
	return c.action(ctx, token, "transfer", map[string]any{"to": to})
}

// action performs a call control action. Every failure is a *calls.ActionError.
func (c *Client) action(ctx context.Context, token, action string, params map[string]any) error {
	fail := func(err error) error {
		return &calls.ActionError{Action: action, Token: token, Err: err}
	}

	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, url.PathEscape(token), action)
	reqBody, err := json.Marshal(params)
	if err != nil {
		return fail(fmt.Errorf("encode params: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("API request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fail(fmt.Errorf("Telnyx API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// EncodeClientState encodes s the way Telnyx expects client_state.
func EncodeClientState(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeClientState reverses EncodeClientState. Values that are not base64
// are returned unchanged.
func DecodeClientState(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}
