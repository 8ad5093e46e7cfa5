package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/proveniq/core/internal/fraud"
	"github.com/proveniq/core/internal/gateway"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/registry"
	"github.com/proveniq/core/internal/valuation"
)

type noopSink struct{}

func (noopSink) WriteEvent(context.Context, string, string, map[string]any, ledger.EventRef) ledger.Receipt {
	id := "evt"
	return ledger.Receipt{EventID: &id, Timestamp: time.Now().UTC()}
}

// fakeHistory serves canned ledger reads.
type fakeHistory struct {
	events []map[string]any
	err    error
}

func (f fakeHistory) GetAssetEvents(context.Context, string, int) ([]map[string]any, error) {
	return f.events, f.err
}

func (f fakeHistory) GetAnchorEvents(context.Context, string, int) ([]map[string]any, error) {
	return f.events, f.err
}

func (f fakeHistory) VerifyIntegrity(context.Context, int, int) (ledger.IntegrityReport, error) {
	if f.err != nil {
		return ledger.IntegrityReport{}, f.err
	}
	return ledger.IntegrityReport{Valid: true, Checked: len(f.events)}, nil
}

func newTestHandler(verifier TokenVerifier, serviceURLs map[string]string) *Handler {
	return newTestHandlerWithHistory(verifier, serviceURLs, fakeHistory{})
}

func newTestHandlerWithHistory(verifier TokenVerifier, serviceURLs map[string]string, history HistoryReader) *Handler {
	sink := noopSink{}
	reg := registry.New(registry.NewMemoryStore(), sink)
	eng := valuation.New(sink)
	scorer := fraud.New(sink)
	gw := gateway.New(serviceURLs)
	return NewHandler(reg, eng, scorer, gw, history, verifier)
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func validRegistration() map[string]any {
	return map[string]any{
		"source_app":      "home",
		"source_asset_id": "item-1",
		"asset_type":      "physical",
		"category":        "electronics",
		"name":            "MacBook Pro",
	}
}

func TestHealthEndpointNeedsNoToken(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok": "user-1"}, nil)
	rec := doJSON(t, h.Router(), "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterAsset(t *testing.T) {
	h := newTestHandler(nil, nil)
	rec := doJSON(t, h.Router(), "POST", "/v1/assets", "", validRegistration())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var asset registry.Asset
	decode(t, rec, &asset)
	if asset.PAID == "" || asset.Status != registry.StatusActive {
		t.Fatalf("asset = %+v", asset)
	}
	if asset.ProvenanceHash == "" {
		t.Fatal("missing provenance hash")
	}
}

func TestRegisterValidationFailure(t *testing.T) {
	h := newTestHandler(nil, nil)
	body := validRegistration()
	body["source_app"] = "unknown-app"
	rec := doJSON(t, h.Router(), "POST", "/v1/assets", "", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestMalformedJSONBody(t *testing.T) {
	h := newTestHandler(nil, nil)
	req := httptest.NewRequest("POST", "/v1/assets", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequiredWhenVerifierConfigured(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok": "user-1"}, nil)
	router := h.Router()

	rec := doJSON(t, router, "POST", "/v1/assets", "", validRegistration())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/v1/assets", "wrong", validRegistration())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", rec.Code)
	}
}

func TestRegisterDefaultsOwnerToCaller(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok": "user-1"}, nil)
	rec := doJSON(t, h.Router(), "POST", "/v1/assets", "tok", validRegistration())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var asset registry.Asset
	decode(t, rec, &asset)
	if asset.OwnerID != "user-1" {
		t.Fatalf("owner = %s, want caller uid", asset.OwnerID)
	}
}

func TestRegisterForeignOwnerForbidden(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok": "user-1"}, nil)
	body := validRegistration()
	body["owner_id"] = "somebody-else"
	rec := doJSON(t, h.Router(), "POST", "/v1/assets", "tok", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetAssetOwnership(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok-a": "user-a", "tok-b": "user-b"}, nil)
	router := h.Router()

	rec := doJSON(t, router, "POST", "/v1/assets", "tok-a", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "GET", "/v1/assets/"+asset.PAID, "tok-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner get: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/v1/assets/"+asset.PAID, "tok-b", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign get: status = %d", rec.Code)
	}
}

func TestGetUnknownAsset(t *testing.T) {
	h := newTestHandler(nil, nil)
	rec := doJSON(t, h.Router(), "GET", "/v1/assets/no-such-paid", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListAssetsScopedToCaller(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok-a": "user-a", "tok-b": "user-b"}, nil)
	router := h.Router()

	doJSON(t, router, "POST", "/v1/assets", "tok-a", validRegistration())
	other := validRegistration()
	other["source_asset_id"] = "item-2"
	doJSON(t, router, "POST", "/v1/assets", "tok-b", other)

	rec := doJSON(t, router, "GET", "/v1/assets", "tok-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var assets []registry.Asset
	decode(t, rec, &assets)
	if len(assets) != 1 || assets[0].OwnerID != "user-a" {
		t.Fatalf("assets = %+v", assets)
	}

	rec = doJSON(t, router, "GET", "/v1/assets?owner_id=user-b", "tok-a", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign list: status = %d", rec.Code)
	}
}

func TestListAssetsBySourceKey(t *testing.T) {
	h := newTestHandler(nil, nil)
	router := h.Router()
	doJSON(t, router, "POST", "/v1/assets", "", validRegistration())

	rec := doJSON(t, router, "GET", "/v1/assets?source_app=home&source_id=item-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var assets []registry.Asset
	decode(t, rec, &assets)
	if len(assets) != 1 {
		t.Fatalf("assets = %+v", assets)
	}

	rec = doJSON(t, router, "GET", "/v1/assets?source_app=home&source_id=missing", "", nil)
	var empty []registry.Asset
	decode(t, rec, &empty)
	if rec.Code != http.StatusOK || len(empty) != 0 {
		t.Fatalf("missing source: status = %d, assets = %+v", rec.Code, empty)
	}
}

func TestBindAnchorRequiresAnchorID(t *testing.T) {
	h := newTestHandler(nil, nil)
	router := h.Router()
	rec := doJSON(t, router, "POST", "/v1/assets", "", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "POST", "/v1/assets/"+asset.PAID+"/anchor", "", map[string]any{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/v1/assets/"+asset.PAID+"/anchor", "", map[string]any{"anchor_id": "anchor-9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &asset)
	if asset.AnchorID != "anchor-9" {
		t.Fatalf("anchor = %s", asset.AnchorID)
	}
}

func TestTransferChecksOwnershipBeforeMutating(t *testing.T) {
	h := newTestHandler(StaticVerifier{"tok-a": "user-a", "tok-b": "user-b"}, nil)
	router := h.Router()

	rec := doJSON(t, router, "POST", "/v1/assets", "tok-a", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "POST", "/v1/assets/"+asset.PAID+"/transfer", "tok-b",
		map[string]any{"new_owner_id": "user-b"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign transfer: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/v1/assets/"+asset.PAID+"/transfer", "tok-a",
		map[string]any{"new_owner_id": "user-b"})
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &asset)
	if asset.OwnerID != "user-b" || asset.Status != registry.StatusTransferred {
		t.Fatalf("asset = %+v", asset)
	}
}

func TestUpdateValuationRejectsMalformedMicros(t *testing.T) {
	h := newTestHandler(nil, nil)
	router := h.Router()
	rec := doJSON(t, router, "POST", "/v1/assets", "", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "PATCH", "/v1/assets/"+asset.PAID+"/valuation", "",
		map[string]any{"value_micros": "a lot", "valuation_id": "val-1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "PATCH", "/v1/assets/"+asset.PAID+"/valuation", "",
		map[string]any{"value_micros": "450000000", "valuation_id": "val-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	decode(t, rec, &asset)
	if asset.CurrentValueMicros != "450000000" || asset.ValuationID != "val-1" {
		t.Fatalf("asset = %+v", asset)
	}
}

func TestArchiveAsset(t *testing.T) {
	h := newTestHandler(nil, nil)
	router := h.Router()
	rec := doJSON(t, router, "POST", "/v1/assets", "", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "POST", "/v1/assets/"+asset.PAID+"/archive", "", map[string]any{"reason": "sold"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &asset)
	if asset.Status != registry.StatusArchived {
		t.Fatalf("status = %s", asset.Status)
	}
}

func TestCreateValuationEndpoint(t *testing.T) {
	h := newTestHandler(nil, nil)
	rec := doJSON(t, h.Router(), "POST", "/v1/valuations", "", map[string]any{
		"asset_id":              "asset-1",
		"item_type":             "electronics",
		"condition":             "good",
		"age_years":             2,
		"purchase_price_micros": "1000000000",
		"source_app":            "home",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result valuation.Result
	decode(t, rec, &result)
	if result.EstimatedValueMicros != "393750000" {
		t.Fatalf("estimate = %s", result.EstimatedValueMicros)
	}

	rec = doJSON(t, h.Router(), "POST", "/v1/valuations", "", map[string]any{"item_type": "electronics"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid request: status = %d", rec.Code)
	}
}

func TestScoreFraudEndpoint(t *testing.T) {
	h := newTestHandler(nil, nil)
	rec := doJSON(t, h.Router(), "POST", "/v1/fraud/score", "", map[string]any{
		"entity_type":             "claim",
		"entity_id":               "claim-1",
		"source_app":              "home",
		"event_type":              "CLAIM_SUBMITTED",
		"user_claim_count_30d":    5,
		"evidence_count":          0,
		"has_anchor_verification": true,
		"has_ledger_history":      true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result fraud.Result
	decode(t, rec, &result)
	if result.Score != 76 || result.RiskLevel != fraud.RiskHigh {
		t.Fatalf("result = %+v", result)
	}

	rec = doJSON(t, h.Router(), "POST", "/v1/fraud/score", "", map[string]any{
		"entity_type": "claim",
		"entity_id":   "claim-2",
		"source_app":  "home",
		"event_type":  "CLAIM_SUBMITTED",
		"additional_signals": []map[string]any{
			{"signal_type": "astrology", "severity": 5},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid signal: status = %d", rec.Code)
	}
}

func TestAssetHistoryEndpoint(t *testing.T) {
	history := fakeHistory{events: []map[string]any{
		{"event_type": "ASSET_REGISTERED"},
		{"event_type": "ANCHOR_BOUND_TO_ASSET"},
	}}
	h := newTestHandlerWithHistory(nil, nil, history)
	router := h.Router()

	rec := doJSON(t, router, "POST", "/v1/assets", "", validRegistration())
	var asset registry.Asset
	decode(t, rec, &asset)

	rec = doJSON(t, router, "GET", "/v1/assets/"+asset.PAID+"/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		PAID   string           `json:"paid"`
		Events []map[string]any `json:"events"`
		Count  int              `json:"count"`
	}
	decode(t, rec, &out)
	if out.PAID != asset.PAID || out.Count != 2 {
		t.Fatalf("history = %+v", out)
	}

	rec = doJSON(t, router, "GET", "/v1/assets/no-such-paid/events", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown asset: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/v1/assets/"+asset.PAID+"/events?limit=zero", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit: status = %d", rec.Code)
	}
}

func TestAnchorHistoryAndIntegrityEndpoints(t *testing.T) {
	history := fakeHistory{events: []map[string]any{{"event_type": "ANCHOR_BOUND_TO_ASSET"}}}
	h := newTestHandlerWithHistory(nil, nil, history)
	router := h.Router()

	rec := doJSON(t, router, "GET", "/v1/anchors/anchor-1/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anchor events: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/v1/ledger/integrity?from=0&limit=50", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("integrity: status = %d", rec.Code)
	}
	var report ledger.IntegrityReport
	decode(t, rec, &report)
	if !report.Valid {
		t.Fatalf("report = %+v", report)
	}
}

func TestLedgerReadFailureIsBadGateway(t *testing.T) {
	history := fakeHistory{err: context.DeadlineExceeded}
	h := newTestHandlerWithHistory(nil, nil, history)
	router := h.Router()

	rec := doJSON(t, router, "GET", "/v1/anchors/anchor-1/events", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGatewayEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/quote":
			json.NewEncoder(w).Encode(map[string]any{"quote_id": "q-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	h := newTestHandler(nil, map[string]string{"protect": upstream.URL + "/api"})
	router := h.Router()

	rec := doJSON(t, router, "GET", "/v1/gateway/health/protect", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rec.Code)
	}
	var health gateway.ServiceHealth
	decode(t, rec, &health)
	if health.Status != "healthy" {
		t.Fatalf("health = %+v", health)
	}

	rec = doJSON(t, router, "GET", "/v1/gateway/health/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/v1/gateway/protect/quote", "", map[string]any{
		"asset_id":               "asset-1",
		"asset_valuation_micros": "500000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGatewayUpstreamFailureIsBadGateway(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()

	h := newTestHandler(nil, map[string]string{"protect": down.URL + "/api"})
	rec := doJSON(t, h.Router(), "POST", "/v1/gateway/protect/claim", "", map[string]any{
		"policy_id": "p-1", "claim_type": "THEFT",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
