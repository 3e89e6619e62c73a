package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kacperjurak/emfit/pkg/models"
)

// Client posts run notifications with pooled connections and buffers.
type Client struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
	bufferPool sync.Pool // Pool for JSON marshaling buffers
}

// NewClient creates a webhook client. An empty url yields a client whose
// Send does nothing.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		// Connection pooling settings
		MaxIdleConns:        100,              // Maximum idle connections
		MaxIdleConnsPerHost: 20,               // Maximum idle connections per host
		IdleConnTimeout:     90 * time.Second, // Idle connection timeout

		// Dial timeout settings
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // Connection timeout
			KeepAlive: 30 * time.Second, // Keep-alive probe interval
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,

		// Notification payloads are small
		DisableCompression: true,
	}

	return &Client{
		url: url,
		log: logger,
		httpClient: &http.Client{
			Timeout:   45 * time.Second, // Total request timeout
			Transport: transport,
		},
		// Buffer pool for JSON marshaling
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 1024)) // Pre-allocate 1KB buffer
			},
		},
	}
}

// Enabled reports whether a webhook URL is configured.
func (c *Client) Enabled() bool { return c.url != "" }

// Send posts payload as JSON.
func (c *Client) Send(ctx context.Context, payload models.WebhookPayload) error {
	if !c.Enabled() {
		return nil
	}
	if payload.Time == "" {
		payload.Time = time.Now().Format(time.RFC3339Nano)
	}
	// NaN and Inf cannot be encoded as JSON
	if payload.Summary != nil {
		s := *payload.Summary
		s.ChiSquared = sanitizeFloat(s.ChiSquared)
		s.ReducedChiSquared = sanitizeFloat(s.ReducedChiSquared)
		s.LogEMError = sanitizeAll(s.LogEMError)
		payload.Summary = &s
	}

	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()                 // Clear buffer
	defer c.bufferPool.Put(buf) // Return to pool

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("failed to marshal webhook data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("webhook sent", "id", payload.ID, "status", payload.Status, "http_status", resp.StatusCode)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}
	return nil
}

// sanitizeFloat replaces values JSON cannot encode.
func sanitizeFloat(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0
	}
	return value
}

func sanitizeAll(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = sanitizeFloat(x)
	}
	return out
}
