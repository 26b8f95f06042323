// Package directory is the HTTP client for the public-key directory: the
// external service where every device publishes its public key and looks up
// everyone else's.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound means the identity has no published public key.
var ErrNotFound = errors.New("no published key for identity")

// Client talks to the directory over HTTP. Token is the caller's session
// token; publishing requires an authenticated session.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type pubkeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// Lookup fetches the published public key for an identity.
func (c *Client) Lookup(ctx context.Context, id string) (string, error) {
	u := fmt.Sprintf("%s/pubkey?user=%s", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("directory lookup: status %d", resp.StatusCode)
	}

	var body pubkeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("directory lookup: decode: %w", err)
	}
	if body.PublicKey == "" {
		return "", ErrNotFound
	}
	return body.PublicKey, nil
}

// Publish uploads this device's public key under the session's identity.
func (c *Client) Publish(ctx context.Context, publicKey string) error {
	payload, err := json.Marshal(map[string]string{"publicKey": publicKey})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-pubkey", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish key: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
