// Package notify posts finished search results to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a Post when ctx has no earlier deadline.
const DefaultTimeout = 5 * time.Second

// Payload describes one match. It carries no pattern cells, only the digest.
type Payload struct {
	JobID           string   `json:"job_id"`
	Digest          string   `json:"digest"`
	Position        [3]int64 `json:"position"`
	Scanned         uint64   `json:"scanned"`
	Chunks          uint32   `json:"chunks"`
	DurationSeconds float64  `json:"duration_seconds"`
	Backend         string   `json:"backend"`
	Cached          bool     `json:"cached,omitempty"`
}

// Post sends p as JSON to url. Any non-2xx response is an error.
func Post(ctx context.Context, url string, p Payload) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify %s: %s", url, resp.Status)
	}
	return nil
}
