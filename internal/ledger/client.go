// Package ledger is the client for the PROVENIQ Ledger service, the
// external append-only event store that mirrors every core mutation.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/proveniq/core/internal/canonical"
)

// EventRef carries the optional correlation fields attached to an event.
type EventRef struct {
	AssetID       string
	AnchorID      string
	ActorID       string
	CorrelationID string
}

// Receipt is the Ledger's acknowledgement of a write. When the write could
// not be delivered, EventID is nil and Error carries the transport message;
// the triggering operation proceeds regardless.
type Receipt struct {
	EventID   *string   `json:"event_id"`
	EntryHash string    `json:"entry_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink accepts append-only provenance events. Implementations must
// never fail the caller: delivery problems surface only on the receipt.
type EventSink interface {
	WriteEvent(ctx context.Context, source, eventType string, payload map[string]any, ref EventRef) Receipt
}

// Client talks to the Ledger service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Ledger client. baseURL includes the API prefix,
// e.g. "http://localhost:8006/api/v1".
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// WriteEvent appends an event to the Ledger. The payload is augmented with
// a canonical_hash of its unaugmented content before transmission. Failures
// are logged and converted into an error receipt, never returned as errors.
func (c *Client) WriteEvent(ctx context.Context, source, eventType string, payload map[string]any, ref EventRef) Receipt {
	hash, err := canonical.Hash(payload)
	if err != nil {
		return c.failedReceipt(eventType, err)
	}

	augmented := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		augmented[k] = v
	}
	augmented["canonical_hash"] = hash

	body := map[string]any{
		"source":     source,
		"event_type": eventType,
		"payload":    augmented,
	}
	if ref.AssetID != "" {
		body["asset_id"] = ref.AssetID
	}
	if ref.AnchorID != "" {
		body["anchor_id"] = ref.AnchorID
	}
	if ref.ActorID != "" {
		body["actor_id"] = ref.ActorID
	}
	if ref.CorrelationID != "" {
		body["correlation_id"] = ref.CorrelationID
	}

	var receipt Receipt
	if err := c.postJSON(ctx, "/events", body, &receipt); err != nil {
		return c.failedReceipt(eventType, err)
	}
	return receipt
}

// GetAssetEvents returns the Ledger history for an asset, newest first.
func (c *Client) GetAssetEvents(ctx context.Context, assetID string, limit int) ([]map[string]any, error) {
	var out struct {
		Events []map[string]any `json:"events"`
	}
	path := fmt.Sprintf("/assets/%s/events?limit=%d", assetID, limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// GetAnchorEvents returns the Ledger history for an anchor, newest first.
func (c *Client) GetAnchorEvents(ctx context.Context, anchorID string, limit int) ([]map[string]any, error) {
	var out struct {
		Events []map[string]any `json:"events"`
	}
	path := fmt.Sprintf("/anchors/%s/events?limit=%d", anchorID, limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// IntegrityReport is the Ledger's chain verification result.
type IntegrityReport struct {
	Valid   bool   `json:"valid"`
	Checked int    `json:"checked,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VerifyIntegrity asks the Ledger to verify its hash chain over a window
// of sequence numbers.
func (c *Client) VerifyIntegrity(ctx context.Context, fromSeq, limit int) (IntegrityReport, error) {
	var out IntegrityReport
	path := fmt.Sprintf("/integrity/verify?from=%d&limit=%d", fromSeq, limit)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return IntegrityReport{Valid: false, Error: err.Error()}, err
	}
	return out, nil
}

func (c *Client) failedReceipt(eventType string, err error) Receipt {
	log.Printf("[ledger] write %s failed: %v", eventType, err)
	return Receipt{EventID: nil, Error: err.Error(), Timestamp: time.Now().UTC()}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
