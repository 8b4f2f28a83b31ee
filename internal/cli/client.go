package cli

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
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rarecandy/internal/economy"
	"rarecandy/internal/ledger"
	"rarecandy/internal/reward"
)

const playerHeader = "X-Player-ID"

var ErrNoPlayer = errors.New("no player id set; run `candy register` first")

// Client talks to the candy API on behalf of one player. It is the remote
// store a play session commits to.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	PlayerID string
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithPlayer returns a copy of the client bound to playerID.
func (c *Client) WithPlayer(playerID string) *Client {
	out := *c
	out.PlayerID = playerID
	return &out
}

func (c *Client) Register(ctx context.Context, username string) (economy.Profile, error) {
	var out economy.Profile
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/players", false, map[string]any{
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Profile(ctx context.Context) (economy.Profile, error) {
	var out economy.Profile
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/profile", true, nil, &out, "")
	return out, err
}

// Commit sends a signed delta under key and returns the authoritative
// balance. Resending a key the server has applied returns the current balance
// without applying the delta again. An empty key gets a fresh one.
func (c *Client) Commit(ctx context.Context, delta decimal.Decimal, key string) (decimal.Decimal, error) {
	if key == "" {
		key = uuid.NewString()
	}
	var out economy.Profile
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/economy/commit", true, map[string]any{
		"delta": delta.String(),
	}, &out, key)
	if err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (c *Client) Upgrade(ctx context.Context, kind reward.Kind) (economy.Profile, error) {
	var out economy.Profile
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/upgrades/"+url.PathEscape(string(kind)), true, nil, &out, uuid.NewString())
	return out, err
}

func (c *Client) Purchase(ctx context.Context, itemID int) (economy.Profile, error) {
	var out economy.Profile
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/items/%d/purchase", itemID), true, nil, &out, uuid.NewString())
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, asPlayer bool, in any, out any, idem string) error {
	if asPlayer && strings.TrimSpace(c.PlayerID) == "" {
		return ErrNoPlayer
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if asPlayer {
		req.Header.Set(playerHeader, c.PlayerID)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &ledger.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(method+" "+path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classify turns a non-2xx answer into the ledger's error taxonomy: server
// faults are network-class, throttling is a retryable rejection and anything
// else is final.
func classify(op string, status int, raw []byte) error {
	reason := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		reason = payload.Error
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	switch {
	case status >= 500:
		return &ledger.NetworkError{Op: op, Err: fmt.Errorf("api status %d: %s", status, reason)}
	case status == http.StatusTooManyRequests:
		return &ledger.RejectedError{Status: status, Reason: reason, Retryable: true}
	default:
		return &ledger.RejectedError{Status: status, Reason: reason}
	}
}
