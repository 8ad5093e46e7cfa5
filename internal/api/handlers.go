// Package api exposes the platform's HTTP surface: asset registry,
// valuation, fraud scoring and the service gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/proveniq/core/internal/fraud"
	"github.com/proveniq/core/internal/gateway"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/money"
	"github.com/proveniq/core/internal/registry"
	"github.com/proveniq/core/internal/valuation"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "core_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// HistoryReader is the slice of the ledger client the API needs for
// provenance queries.
type HistoryReader interface {
	GetAssetEvents(ctx context.Context, assetID string, limit int) ([]map[string]any, error)
	GetAnchorEvents(ctx context.Context, anchorID string, limit int) ([]map[string]any, error)
	VerifyIntegrity(ctx context.Context, fromSeq, limit int) (ledger.IntegrityReport, error)
}

type Handler struct {
	registry *registry.Registry
	engine   *valuation.Engine
	scorer   *fraud.Scorer
	gateway  *gateway.Gateway
	history  HistoryReader
	verifier TokenVerifier
}

func NewHandler(reg *registry.Registry, eng *valuation.Engine, scorer *fraud.Scorer, gw *gateway.Gateway, history HistoryReader, verifier TokenVerifier) *Handler {
	return &Handler{
		registry: reg,
		engine:   eng,
		scorer:   scorer,
		gateway:  gw,
		history:  history,
		verifier: verifier,
	}
}

// Router wires every route. /health stays unauthenticated so load
// balancers can probe it.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return requireAuth(h.verifier, next)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/assets", auth(h.RegisterAssetHandler)).Methods("POST")
	v1.HandleFunc("/assets", auth(h.ListAssetsHandler)).Methods("GET")
	v1.HandleFunc("/assets/{paid}", auth(h.GetAssetHandler)).Methods("GET")
	v1.HandleFunc("/assets/{paid}/anchor", auth(h.BindAnchorHandler)).Methods("POST")
	v1.HandleFunc("/assets/{paid}/transfer", auth(h.TransferAssetHandler)).Methods("POST")
	v1.HandleFunc("/assets/{paid}/valuation", auth(h.UpdateValuationHandler)).Methods("PATCH")
	v1.HandleFunc("/assets/{paid}/archive", auth(h.ArchiveAssetHandler)).Methods("POST")
	v1.HandleFunc("/assets/{paid}/events", auth(h.AssetHistoryHandler)).Methods("GET")
	v1.HandleFunc("/anchors/{anchor_id}/events", auth(h.AnchorHistoryHandler)).Methods("GET")
	v1.HandleFunc("/ledger/integrity", auth(h.LedgerIntegrityHandler)).Methods("GET")

	v1.HandleFunc("/valuations", auth(h.CreateValuationHandler)).Methods("POST")
	v1.HandleFunc("/fraud/score", auth(h.ScoreFraudHandler)).Methods("POST")

	v1.HandleFunc("/gateway/health", auth(h.GatewayHealthHandler)).Methods("GET")
	v1.HandleFunc("/gateway/health/{service}", auth(h.GatewayServiceHealthHandler)).Methods("GET")
	v1.HandleFunc("/gateway/protect/quote", auth(h.ProtectQuoteHandler)).Methods("POST")
	v1.HandleFunc("/gateway/protect/claim", auth(h.SubmitClaimHandler)).Methods("POST")
	v1.HandleFunc("/gateway/transit/shipment", auth(h.CreateShipmentHandler)).Methods("POST")
	v1.HandleFunc("/gateway/ledger/asset/{asset_id}/events", auth(h.AssetLedgerEventsHandler)).Methods("GET")

	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) RegisterAssetHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/assets"))
	defer timer.ObserveDuration()

	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/assets")
		return
	}

	// Individually owned assets belong to the caller.
	caller := identityFrom(r.Context())
	if caller.UID != "" && (reg.OwnerType == "" || reg.OwnerType == "individual") {
		if reg.OwnerID != "" && reg.OwnerID != caller.UID {
			respondWithError(w, http.StatusForbidden, "Forbidden", "POST", "/assets")
			return
		}
		if reg.OwnerID == "" {
			reg.OwnerID = caller.UID
		}
	}

	asset, err := h.registry.Register(r.Context(), reg)
	if err != nil {
		respondServiceError(w, err, "POST", "/assets")
		return
	}
	respondWithJSON(w, http.StatusCreated, asset, "POST", "/assets")
}

func (h *Handler) GetAssetHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	asset, err := h.registry.Get(r.Context(), paid)
	if err != nil {
		respondServiceError(w, err, "GET", "/assets/{paid}")
		return
	}
	if !callerOwns(r, asset) {
		respondWithError(w, http.StatusForbidden, "Forbidden", "GET", "/assets/{paid}")
		return
	}
	respondWithJSON(w, http.StatusOK, asset, "GET", "/assets/{paid}")
}

func (h *Handler) ListAssetsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := identityFrom(r.Context())

	if sourceApp, sourceID := q.Get("source_app"), q.Get("source_id"); sourceApp != "" && sourceID != "" {
		asset, err := h.registry.GetBySource(r.Context(), sourceApp, sourceID)
		if errors.Is(err, registry.ErrNotFound) {
			respondWithJSON(w, http.StatusOK, []registry.Asset{}, "GET", "/assets")
			return
		}
		if err != nil {
			respondServiceError(w, err, "GET", "/assets")
			return
		}
		if !callerOwns(r, asset) {
			respondWithError(w, http.StatusForbidden, "Forbidden", "GET", "/assets")
			return
		}
		respondWithJSON(w, http.StatusOK, []registry.Asset{asset}, "GET", "/assets")
		return
	}

	ownerID := q.Get("owner_id")
	if caller.UID != "" {
		if ownerID != "" && ownerID != caller.UID {
			respondWithError(w, http.StatusForbidden, "Forbidden", "GET", "/assets")
			return
		}
		ownerID = caller.UID
	}

	assets, err := h.registry.ListByOwner(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, err, "GET", "/assets")
		return
	}
	respondWithJSON(w, http.StatusOK, assets, "GET", "/assets")
}

func (h *Handler) BindAnchorHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	var req struct {
		AnchorID string `json:"anchor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/assets/{paid}/anchor")
		return
	}
	if req.AnchorID == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "anchor_id is required", "POST", "/assets/{paid}/anchor")
		return
	}

	if !h.ownerGuard(w, r, paid, "POST", "/assets/{paid}/anchor") {
		return
	}

	asset, err := h.registry.BindAnchor(r.Context(), paid, req.AnchorID)
	if err != nil {
		respondServiceError(w, err, "POST", "/assets/{paid}/anchor")
		return
	}
	respondWithJSON(w, http.StatusOK, asset, "POST", "/assets/{paid}/anchor")
}

func (h *Handler) TransferAssetHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	var req struct {
		NewOwnerID   string `json:"new_owner_id"`
		NewOwnerType string `json:"new_owner_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/assets/{paid}/transfer")
		return
	}
	if req.NewOwnerID == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "new_owner_id is required", "POST", "/assets/{paid}/transfer")
		return
	}

	if !h.ownerGuard(w, r, paid, "POST", "/assets/{paid}/transfer") {
		return
	}

	asset, err := h.registry.Transfer(r.Context(), paid, req.NewOwnerID, req.NewOwnerType)
	if err != nil {
		respondServiceError(w, err, "POST", "/assets/{paid}/transfer")
		return
	}
	respondWithJSON(w, http.StatusOK, asset, "POST", "/assets/{paid}/transfer")
}

func (h *Handler) UpdateValuationHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	var req struct {
		ValueMicros string `json:"value_micros"`
		ValuationID string `json:"valuation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "PATCH", "/assets/{paid}/valuation")
		return
	}

	if !h.ownerGuard(w, r, paid, "PATCH", "/assets/{paid}/valuation") {
		return
	}

	asset, err := h.registry.UpdateValuation(r.Context(), paid, req.ValueMicros, req.ValuationID)
	if err != nil {
		respondServiceError(w, err, "PATCH", "/assets/{paid}/valuation")
		return
	}
	respondWithJSON(w, http.StatusOK, asset, "PATCH", "/assets/{paid}/valuation")
}

func (h *Handler) ArchiveAssetHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/assets/{paid}/archive")
		return
	}

	if !h.ownerGuard(w, r, paid, "POST", "/assets/{paid}/archive") {
		return
	}

	asset, err := h.registry.Archive(r.Context(), paid, req.Reason)
	if err != nil {
		respondServiceError(w, err, "POST", "/assets/{paid}/archive")
		return
	}
	respondWithJSON(w, http.StatusOK, asset, "POST", "/assets/{paid}/archive")
}

func (h *Handler) AssetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	paid := mux.Vars(r)["paid"]

	if !h.ownerGuard(w, r, paid, "GET", "/assets/{paid}/events") {
		return
	}

	limit, ok := parseLimit(w, r, "GET", "/assets/{paid}/events")
	if !ok {
		return
	}
	events, err := h.history.GetAssetEvents(r.Context(), paid, limit)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "Ledger unavailable", "GET", "/assets/{paid}/events")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"paid": paid, "events": events, "count": len(events)},
		"GET", "/assets/{paid}/events")
}

func (h *Handler) AnchorHistoryHandler(w http.ResponseWriter, r *http.Request) {
	anchorID := mux.Vars(r)["anchor_id"]

	limit, ok := parseLimit(w, r, "GET", "/anchors/{anchor_id}/events")
	if !ok {
		return
	}
	events, err := h.history.GetAnchorEvents(r.Context(), anchorID, limit)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "Ledger unavailable", "GET", "/anchors/{anchor_id}/events")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"anchor_id": anchorID, "events": events, "count": len(events)},
		"GET", "/anchors/{anchor_id}/events")
}

func (h *Handler) LedgerIntegrityHandler(w http.ResponseWriter, r *http.Request) {
	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusUnprocessableEntity, "from must be a non-negative integer", "GET", "/ledger/integrity")
			return
		}
		from = n
	}
	limit, ok := parseLimit(w, r, "GET", "/ledger/integrity")
	if !ok {
		return
	}

	report, err := h.history.VerifyIntegrity(r.Context(), from, limit)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "Ledger unavailable", "GET", "/ledger/integrity")
		return
	}
	respondWithJSON(w, http.StatusOK, report, "GET", "/ledger/integrity")
}

func (h *Handler) CreateValuationHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/valuations"))
	defer timer.ObserveDuration()

	var req valuation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/valuations")
		return
	}

	result, err := h.engine.Value(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "POST", "/valuations")
		return
	}
	respondWithJSON(w, http.StatusOK, result, "POST", "/valuations")
}

func (h *Handler) ScoreFraudHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/fraud/score"))
	defer timer.ObserveDuration()

	var req fraud.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/fraud/score")
		return
	}

	result, err := h.scorer.Score(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "POST", "/fraud/score")
		return
	}
	respondWithJSON(w, http.StatusOK, result, "POST", "/fraud/score")
}

func (h *Handler) GatewayHealthHandler(w http.ResponseWriter, r *http.Request) {
	results := h.gateway.CheckAll(r.Context())
	respondWithJSON(w, http.StatusOK, results, "GET", "/gateway/health")
}

func (h *Handler) GatewayServiceHealthHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	result, err := h.gateway.Check(r.Context(), service)
	if err != nil {
		respondServiceError(w, err, "GET", "/gateway/health/{service}")
		return
	}
	respondWithJSON(w, http.StatusOK, result, "GET", "/gateway/health/{service}")
}

func (h *Handler) ProtectQuoteHandler(w http.ResponseWriter, r *http.Request) {
	var req gateway.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/gateway/protect/quote")
		return
	}
	out, err := h.gateway.GetProtectQuote(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "POST", "/gateway/protect/quote")
		return
	}
	respondWithJSON(w, http.StatusOK, out, "POST", "/gateway/protect/quote")
}

func (h *Handler) SubmitClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req gateway.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/gateway/protect/claim")
		return
	}
	out, err := h.gateway.SubmitClaim(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "POST", "/gateway/protect/claim")
		return
	}
	respondWithJSON(w, http.StatusOK, out, "POST", "/gateway/protect/claim")
}

func (h *Handler) CreateShipmentHandler(w http.ResponseWriter, r *http.Request) {
	var req gateway.ShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/gateway/transit/shipment")
		return
	}
	out, err := h.gateway.CreateShipment(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "POST", "/gateway/transit/shipment")
		return
	}
	respondWithJSON(w, http.StatusOK, out, "POST", "/gateway/transit/shipment")
}

func (h *Handler) AssetLedgerEventsHandler(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["asset_id"]
	limit, ok := parseLimit(w, r, "GET", "/gateway/ledger/asset/{asset_id}/events")
	if !ok {
		return
	}

	out, err := h.gateway.AssetLedgerEvents(r.Context(), assetID, limit)
	if err != nil {
		respondServiceError(w, err, "GET", "/gateway/ledger/asset/{asset_id}/events")
		return
	}
	respondWithJSON(w, http.StatusOK, out, "GET", "/gateway/ledger/asset/{asset_id}/events")
}

// ownerGuard loads the asset and rejects callers that do not own it.
// Ownership is checked before any mutation. Returns false when it has
// already written a response.
func (h *Handler) ownerGuard(w http.ResponseWriter, r *http.Request, paid, method, endpoint string) bool {
	asset, err := h.registry.Get(r.Context(), paid)
	if err != nil {
		respondServiceError(w, err, method, endpoint)
		return false
	}
	if !callerOwns(r, asset) {
		respondWithError(w, http.StatusForbidden, "Forbidden", method, endpoint)
		return false
	}
	return true
}

// parseLimit reads the limit query parameter, defaulting to 100.
// Returns false when it has already written a rejection.
func parseLimit(w http.ResponseWriter, r *http.Request, method, endpoint string) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		respondWithError(w, http.StatusUnprocessableEntity, "limit must be a positive integer", method, endpoint)
		return 0, false
	}
	return n, true
}

func callerOwns(r *http.Request, asset registry.Asset) bool {
	caller := identityFrom(r.Context())
	if caller.UID == "" || asset.OwnerID == "" {
		return true
	}
	return asset.OwnerID == caller.UID
}

// respondServiceError maps sentinel errors to HTTP status codes.
func respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Asset not found", method, endpoint)
	case errors.Is(err, gateway.ErrUnknownService):
		respondWithError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, registry.ErrInvalidRegistration),
		errors.Is(err, valuation.ErrInvalidRequest),
		errors.Is(err, fraud.ErrInvalidRequest),
		errors.Is(err, fraud.ErrInvalidSignal),
		errors.Is(err, money.ErrInvalidAmount):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, gateway.ErrUpstreamUnavailable):
		respondWithError(w, http.StatusBadGateway, err.Error(), method, endpoint)
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
