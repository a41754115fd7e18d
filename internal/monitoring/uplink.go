package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPUplink posts payloads to an external monitoring collector. The
// collector is responsible for signing and forwarding; this side only
// delivers bodies.
type HTTPUplink struct {
	endpoint string
	client   *http.Client
}

func NewHTTPUplink(endpoint string) *HTTPUplink {
	return &HTTPUplink{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (u *HTTPUplink) Publish(ctx context.Context, id uuid.UUID, topic Topic, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+"/"+string(topic), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", id.String())

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("monitoring uplink status: %s", resp.Status)
	}
	return nil
}
