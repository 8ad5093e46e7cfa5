// Package gateway orchestrates calls to sibling platform services so
// source apps only ever talk to one backend. It proxies quotes,
// shipments and claims, and fans out health probes.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
)

const schemaVersion = "1.0.0"

var (
	// ErrUnknownService reports a service name missing from the routing
	// table.
	ErrUnknownService = errors.New("unknown service")

	// ErrUpstreamUnavailable reports a downstream service that could not
	// be reached or answered with a failure status.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
)

// ServiceHealth is the result of probing one service.
type ServiceHealth struct {
	Service   string   `json:"service"`
	Status    string   `json:"status"` // healthy, unhealthy, unavailable
	URL       string   `json:"url"`
	LatencyMS *float64 `json:"latency_ms,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// QuoteRequest asks the insurance service to price coverage for an
// asset.
type QuoteRequest struct {
	AssetID                 string `json:"asset_id"`
	AssetValuationMicros    string `json:"asset_valuation_micros"`
	SecurityLevel           string `json:"security_level"`
	LastVerifiedServiceDays int    `json:"last_verified_service_days"`
	TransitDamageHistory    bool   `json:"transit_damage_history"`
	CoverageType            string `json:"coverage_type"`
	TermDays                int    `json:"term_days"`
}

// ShipmentRequest creates a shipment in the transit service.
type ShipmentRequest struct {
	AssetID             string `json:"asset_id"`
	SenderWalletID      string `json:"sender_wallet_id"`
	RecipientWalletID   string `json:"recipient_wallet_id"`
	DeclaredValueMicros string `json:"declared_value_micros,omitempty"`
	AnchorID            string `json:"anchor_id,omitempty"`
	RequestInsurance    bool   `json:"request_insurance"`
}

// ClaimRequest submits an insurance claim against an existing policy.
type ClaimRequest struct {
	PolicyID            string   `json:"policy_id"`
	ClaimType           string   `json:"claim_type"` // THEFT, DAMAGE, LOSS
	Description         string   `json:"description"`
	IncidentDate        string   `json:"incident_date"`
	ClaimedAmountMicros string   `json:"claimed_amount_micros"`
	EvidenceIDs         []string `json:"evidence_ids"`
}

// Gateway holds the service routing table and shared HTTP clients.
// Health probes get a short timeout; proxied calls a longer one.
type Gateway struct {
	serviceURLs map[string]string

	probe *http.Client
	proxy *http.Client

	now   func() time.Time
	newID func() string
}

// New builds a Gateway over the given service base URLs.
func New(serviceURLs map[string]string) *Gateway {
	return &Gateway{
		serviceURLs: serviceURLs,
		probe:       &http.Client{Timeout: 5 * time.Second},
		proxy:       &http.Client{Timeout: 30 * time.Second},
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// CheckAll probes every registered service, in name order. Probe
// failures are reported per service, never as an error.
func (g *Gateway) CheckAll(ctx context.Context) []ServiceHealth {
	names := make([]string, 0, len(g.serviceURLs))
	for name := range g.serviceURLs {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ServiceHealth, 0, len(names))
	for _, name := range names {
		results = append(results, g.checkOne(ctx, name, g.serviceURLs[name]))
	}
	return results
}

// Check probes a single service by name.
func (g *Gateway) Check(ctx context.Context, service string) (ServiceHealth, error) {
	base, ok := g.serviceURLs[service]
	if !ok {
		return ServiceHealth{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return g.checkOne(ctx, service, base), nil
}

// checkOne hits the service origin's /health, ignoring any API path
// prefix on the configured base URL.
func (g *Gateway) checkOne(ctx context.Context, service, base string) ServiceHealth {
	health := ServiceHealth{Service: service, Status: "unavailable", URL: base}

	healthURL, err := originHealthURL(base)
	if err != nil {
		health.Error = err.Error()
		return health
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}

	start := time.Now()
	resp, err := g.probe.Do(req)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		latency := math.Round(float64(time.Since(start).Microseconds())/10) / 100
		health.Status = "healthy"
		health.LatencyMS = &latency
	} else {
		health.Status = "unhealthy"
		health.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return health
}

// originHealthURL strips the API path prefix from a base URL and
// returns scheme://host/health.
func originHealthURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid service url %q: %w", base, err)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// GetProtectQuote wraps the request in versioned context/request
// envelopes and forwards it to the insurance service.
func (g *Gateway) GetProtectQuote(ctx context.Context, req QuoteRequest) (map[string]any, error) {
	createdAt := g.now().Format(time.RFC3339Nano)
	body := map[string]any{
		"context": map[string]any{
			"schema_version":             schemaVersion,
			"created_at":                 createdAt,
			"correlation_id":             g.newID(),
			"idempotency_key":            g.newID(),
			"asset_id":                   req.AssetID,
			"asset_valuation_micros":     req.AssetValuationMicros,
			"security_level":             req.SecurityLevel,
			"last_verified_service_days": req.LastVerifiedServiceDays,
			"transit_damage_history":     req.TransitDamageHistory,
		},
		"request": map[string]any{
			"schema_version":  schemaVersion,
			"created_at":      createdAt,
			"correlation_id":  g.newID(),
			"idempotency_key": g.newID(),
			"asset_id":        req.AssetID,
			"coverage_type":   req.CoverageType,
			"term_days":       req.TermDays,
		},
	}
	return g.post(ctx, "protect", "/quote", body)
}

// CreateShipment forwards a shipment request to the transit service.
func (g *Gateway) CreateShipment(ctx context.Context, req ShipmentRequest) (map[string]any, error) {
	body := map[string]any{
		"asset_id":              req.AssetID,
		"sender_wallet_id":      req.SenderWalletID,
		"recipient_wallet_id":   req.RecipientWalletID,
		"declared_value_micros": nullable(req.DeclaredValueMicros),
		"anchor_id":             nullable(req.AnchorID),
		"request_insurance":     req.RequestInsurance,
	}
	return g.post(ctx, "transit", "/shipments", body)
}

// SubmitClaim forwards an insurance claim to the insurance service.
func (g *Gateway) SubmitClaim(ctx context.Context, req ClaimRequest) (map[string]any, error) {
	evidence := req.EvidenceIDs
	if evidence == nil {
		evidence = []string{}
	}
	body := map[string]any{
		"policy_id":             req.PolicyID,
		"claim_type":            req.ClaimType,
		"description":           req.Description,
		"incident_date":         req.IncidentDate,
		"claimed_amount_micros": req.ClaimedAmountMicros,
		"evidence_ids":          evidence,
	}
	return g.post(ctx, "protect", "/claims", body)
}

// AssetLedgerEvents proxies the ledger's per-asset event history.
func (g *Gateway) AssetLedgerEvents(ctx context.Context, assetID string, limit int) (map[string]any, error) {
	base, ok := g.serviceURLs["ledger"]
	if !ok {
		return nil, fmt.Errorf("%w: ledger", ErrUnknownService)
	}
	target := fmt.Sprintf("%s/assets/%s/events?limit=%d", base, assetID, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return g.do("ledger", req)
}

func (g *Gateway) post(ctx context.Context, service, path string, body map[string]any) (map[string]any, error) {
	base, ok := g.serviceURLs[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(service, req)
}

// do executes a proxied request. Transport failures and non-2xx
// responses both surface as ErrUpstreamUnavailable.
func (g *Gateway) do(service string, req *http.Request) (map[string]any, error) {
	resp, err := g.proxy.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrUpstreamUnavailable, service, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrUpstreamUnavailable, service, err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
