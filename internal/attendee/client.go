// Package attendee is a small client for the Attendee meeting bot API.
package attendee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/comigor/botrelay/internal/config"
)

// ErrNoBotID means the create call succeeded without returning a bot id.
var ErrNoBotID = errors.New("attendee response carried no bot id")

// APIError is a non-2xx response from the bot API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attendee %s: unexpected status code %d: %s", e.Op, e.Status, e.Body)
}

// Client is a client for the Attendee bot control API
type Client struct {
	cfg    config.AttendeeConfig
	client *http.Client
}

// NewClient creates a new Client
func NewClient(cfg config.AttendeeConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Launch asks the API to send a bot into meetingURL and returns its id.
func (c *Client) Launch(ctx context.Context, meetingURL string) (string, error) {
	payload := map[string]string{
		"meeting_url": meetingURL,
		"bot_name":    c.cfg.BotName,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create bot", http.MethodPost, "/api/v1/bots", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", ErrNoBotID
	}
	return out.ID, nil
}

// Leave asks the bot to leave its meeting.
func (c *Client) Leave(ctx context.Context, botID string) error {
	return c.do(ctx, "leave bot", http.MethodPost, "/api/v1/bots/"+url.PathEscape(botID)+"/leave", map[string]any{}, nil)
}

// Status returns the provider's raw view of the bot.
func (c *Client) Status(ctx context.Context, botID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, "bot status", http.MethodGet, "/api/v1/bots/"+url.PathEscape(botID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Token %s", c.cfg.APIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("attendee %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("attendee %s: decode response: %w", op, err)
	}
	return nil
}
