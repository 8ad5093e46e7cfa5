package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckAllReportsEveryService(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close() // connection refused from here on

	g := New(map[string]string{
		"protect": healthy.URL + "/api",
		"transit": unhealthy.URL + "/api",
		"ledger":  down.URL + "/api/v1",
	})

	results := g.CheckAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}

	// Name order: ledger, protect, transit.
	if results[0].Service != "ledger" || results[0].Status != "unavailable" || results[0].Error == "" {
		t.Fatalf("ledger = %+v", results[0])
	}
	if results[1].Service != "protect" || results[1].Status != "healthy" {
		t.Fatalf("protect = %+v", results[1])
	}
	if results[1].LatencyMS == nil || *results[1].LatencyMS < 0 {
		t.Fatalf("healthy probe must record latency: %+v", results[1])
	}
	if results[2].Service != "transit" || results[2].Status != "unhealthy" || results[2].Error != "HTTP 503" {
		t.Fatalf("transit = %+v", results[2])
	}
}

func TestCheckUnknownService(t *testing.T) {
	g := New(map[string]string{})
	if _, err := g.Check(context.Background(), "warehouse"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestHealthProbeStripsAPIPrefix(t *testing.T) {
	got, err := originHealthURL("http://localhost:8006/api/v1")
	if err != nil {
		t.Fatalf("originHealthURL: %v", err)
	}
	if got != "http://localhost:8006/health" {
		t.Fatalf("url = %s", got)
	}
}

func TestGetProtectQuoteWrapsEnvelopes(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/quote" {
			t.Errorf("path = %s, want /api/quote", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"quote_id": "q-1", "premium_micros": "42000000"})
	}))
	defer srv.Close()

	g := New(map[string]string{"protect": srv.URL + "/api"})
	out, err := g.GetProtectQuote(context.Background(), QuoteRequest{
		AssetID:              "asset-1",
		AssetValuationMicros: "500000000",
		SecurityLevel:        "MED",
		CoverageType:         "FULL",
		TermDays:             365,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if out["quote_id"] != "q-1" {
		t.Fatalf("response = %v", out)
	}

	qc, ok := received["context"].(map[string]any)
	if !ok {
		t.Fatalf("missing context envelope: %v", received)
	}
	if qc["schema_version"] != "1.0.0" || qc["asset_valuation_micros"] != "500000000" {
		t.Fatalf("context = %v", qc)
	}
	if qc["correlation_id"] == "" || qc["idempotency_key"] == "" {
		t.Fatalf("context must carry tracing ids: %v", qc)
	}

	qr, ok := received["request"].(map[string]any)
	if !ok {
		t.Fatalf("missing request envelope: %v", received)
	}
	if qr["coverage_type"] != "FULL" || qr["term_days"] != float64(365) {
		t.Fatalf("request = %v", qr)
	}
}

func TestCreateShipmentNullsOptionalFields(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/shipments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]any{"shipment_id": "s-1"})
	}))
	defer srv.Close()

	g := New(map[string]string{"transit": srv.URL + "/api"})
	out, err := g.CreateShipment(context.Background(), ShipmentRequest{
		AssetID:           "asset-1",
		SenderWalletID:    "w-sender",
		RecipientWalletID: "w-recipient",
	})
	if err != nil {
		t.Fatalf("shipment: %v", err)
	}
	if out["shipment_id"] != "s-1" {
		t.Fatalf("response = %v", out)
	}
	if v, present := received["declared_value_micros"]; !present || v != nil {
		t.Fatalf("declared_value_micros = %v, want explicit null", v)
	}
	if v, present := received["anchor_id"]; !present || v != nil {
		t.Fatalf("anchor_id = %v, want explicit null", v)
	}
}

func TestSubmitClaimForwardsEvidence(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/claims" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]any{"claim_id": "c-1", "status": "submitted"})
	}))
	defer srv.Close()

	g := New(map[string]string{"protect": srv.URL + "/api"})
	out, err := g.SubmitClaim(context.Background(), ClaimRequest{
		PolicyID:            "p-1",
		ClaimType:           "THEFT",
		Description:         "stolen from garage",
		IncidentDate:        "2026-08-01",
		ClaimedAmountMicros: "2500000000",
		EvidenceIDs:         []string{"ev-1", "ev-2"},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if out["claim_id"] != "c-1" {
		t.Fatalf("response = %v", out)
	}
	ev, ok := received["evidence_ids"].([]any)
	if !ok || len(ev) != 2 {
		t.Fatalf("evidence_ids = %v", received["evidence_ids"])
	}
}

func TestAssetLedgerEventsPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/assets/asset-1/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("limit = %s", r.URL.Query().Get("limit"))
		}
		json.NewEncoder(w).Encode(map[string]any{"events": []any{}, "count": 0})
	}))
	defer srv.Close()

	g := New(map[string]string{"ledger": srv.URL + "/api/v1"})
	out, err := g.AssetLedgerEvents(context.Background(), "asset-1", 25)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if _, ok := out["events"]; !ok {
		t.Fatalf("response = %v", out)
	}
}

func TestUpstreamFailuresWrapSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(map[string]string{"protect": srv.URL + "/api"})
	_, err := g.SubmitClaim(context.Background(), ClaimRequest{PolicyID: "p-1"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	g = New(map[string]string{"transit": down.URL + "/api"})
	_, err = g.CreateShipment(context.Background(), ShipmentRequest{AssetID: "asset-1"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable on refused connection, got %v", err)
	}
}

func TestProxyToUnknownService(t *testing.T) {
	g := New(map[string]string{})
	_, err := g.GetProtectQuote(context.Background(), QuoteRequest{AssetID: "asset-1"})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}
