// Package ipfs fetches registry documents from an IPFS gateway.
package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrDoesNotExist means the gateway affirmatively reported no such object.
var ErrDoesNotExist = errors.New("ipfs: object does not exist")

// maxObjectSize caps a fetched document; registries are small and a
// runaway body should not exhaust memory.
const maxObjectSize = 8 << 20

type Client struct {
	endpoint string
	client   *http.Client
}

// New builds a gateway client. Timeouts are the caller's business: pass a
// context with a deadline into Fetch.
func New(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
	}
}

// Fetch retrieves the object behind hash.
func (c *Client) Fetch(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/ipfs/"+hash, nil)
	if err != nil {
		return nil, fmt.Errorf("ipfs: %w", err)
	}
	req.Header.Set("User-Agent", "pricehub/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDoesNotExist
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ipfs: transport: status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("ipfs: transport: %w", err)
	}
	return body, nil
}
