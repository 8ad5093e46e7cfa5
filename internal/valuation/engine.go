// Package valuation estimates asset worth through a fixed deterministic
// pipeline: base value selection, depreciation, condition adjustment,
// bias detection, confidence scoring and range widening. All money is
// integer micros; identical inputs always produce identical outputs.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proveniq/core/internal/canonical"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/money"
)

// Version tags every result so downstream consumers can detect
// methodology changes.
const Version = "1.0.0"

// ErrInvalidRequest reports a request missing required fields.
var ErrInvalidRequest = errors.New("invalid valuation request")

// Method is how the point estimate was derived.
type Method string

const (
	MethodAIVision   Method = "ai_vision"
	MethodMarketComp Method = "market_comp"
	MethodManual     Method = "manual"
	MethodHybrid     Method = "hybrid"
)

// Level buckets the confidence score.
type Level string

const (
	LevelHigh   Level = "high"   // >= 0.85
	LevelMedium Level = "medium" // >= 0.60
	LevelLow    Level = "low"
)

// Bias flag codes.
const (
	FlagExceedsPurchase = "ESTIMATED_EXCEEDS_PURCHASE_150PCT"
	FlagMissingBrand    = "MISSING_BRAND_FOR_CATEGORY"
	FlagAgeMismatch     = "AGE_CONDITION_MISMATCH"
)

// Annual depreciation rates by category. Collectibles appreciate.
var depreciationRates = map[string]float64{
	"electronics":  0.25,
	"furniture":    0.10,
	"appliances":   0.12,
	"jewelry":      0.02,
	"collectibles": -0.05,
	"clothing":     0.30,
	"tools":        0.15,
}

const defaultDepreciationRate = 0.15

var conditionMultipliers = map[string]float64{
	"new":      1.0,
	"like_new": 0.85,
	"good":     0.70,
	"fair":     0.50,
	"poor":     0.25,
}

// Category fallbacks used when no purchase price is known, in micros.
var categoryEstimates = map[string]int64{
	"electronics":  500_000_000,
	"furniture":    300_000_000,
	"appliances":   400_000_000,
	"jewelry":      1_000_000_000,
	"collectibles": 200_000_000,
	"clothing":     50_000_000,
	"tools":        100_000_000,
}

const defaultCategoryEstimate = 200_000_000

var premiumBrands = map[string]bool{
	"apple":         true,
	"rolex":         true,
	"herman miller": true,
	"dyson":         true,
	"bose":          true,
}

// Request describes the item to value. Optional fields left empty widen
// the result's range via confidence deductions rather than erroring.
type Request struct {
	AssetID             string         `json:"asset_id"`
	ItemType            string         `json:"item_type"`
	Brand               string         `json:"brand,omitempty"`
	Model               string         `json:"model,omitempty"`
	Condition           string         `json:"condition"`
	AgeYears            *float64       `json:"age_years,omitempty"`
	PurchasePriceMicros string         `json:"purchase_price_micros,omitempty"`
	Images              []string       `json:"images,omitempty"`
	AIAttributes        map[string]any `json:"ai_detected_attributes,omitempty"`
	SourceApp           string         `json:"source_app"`
	CorrelationID       string         `json:"correlation_id,omitempty"`
}

// Factor records one pipeline adjustment and the value it produced.
type Factor struct {
	Factor      string   `json:"factor"`
	Impact      string   `json:"impact"`
	Rate        *float64 `json:"rate,omitempty"`
	AgeYears    *float64 `json:"age_years,omitempty"`
	Multiplier  *float64 `json:"multiplier,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	ValueMicros string   `json:"value_micros"`
}

// Result is an immutable valuation.
type Result struct {
	ValuationID string `json:"valuation_id"`
	AssetID     string `json:"asset_id"`

	EstimatedValueMicros string `json:"estimated_value_micros"`
	LowEstimateMicros    string `json:"low_estimate_micros"`
	HighEstimateMicros   string `json:"high_estimate_micros"`
	Currency             string `json:"currency"`

	ConfidenceScore float64 `json:"confidence_score"`
	ConfidenceLevel Level   `json:"confidence_level"`

	Method  Method   `json:"method"`
	Factors []Factor `json:"factors"`

	BiasFlags []string `json:"bias_flags"`

	InputsHash       string    `json:"inputs_hash"`
	ValuationVersion string    `json:"valuation_version"`
	ValuedAt         time.Time `json:"valued_at"`
}

// Engine is the central valuation engine. All apps route valuations
// through it so results stay consistent and bias-monitorable.
type Engine struct {
	sink ledger.EventSink

	now   func() time.Time
	newID func() string
}

// New builds an Engine that mirrors results to the given ledger sink.
func New(sink ledger.EventSink) *Engine {
	return &Engine{
		sink:  sink,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Value runs the valuation pipeline. Unknown item types and conditions
// fall back to defaults; malformed money strings are rejected.
func (e *Engine) Value(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	var purchasePrice int64
	hasPurchasePrice := req.PurchasePriceMicros != ""
	if hasPurchasePrice {
		var err error
		purchasePrice, err = money.ParseMicros(req.PurchasePriceMicros)
		if err != nil {
			return Result{}, fmt.Errorf("purchase_price_micros: %w", err)
		}
	}

	factors := make([]Factor, 0, 3)

	// Step 1: base value.
	var base int64
	var method Method
	if hasPurchasePrice {
		base = purchasePrice
		method = MethodMarketComp
		factors = append(factors, Factor{
			Factor:      "purchase_price",
			Impact:      "base",
			ValueMicros: money.FormatMicros(base),
		})
	} else {
		base = estimateFromCategory(req)
		if len(req.AIAttributes) > 0 {
			method = MethodAIVision
		} else {
			method = MethodManual
		}
		factors = append(factors, Factor{
			Factor:      "category_estimate",
			Impact:      "base",
			ValueMicros: money.FormatMicros(base),
		})
	}

	// Step 2: depreciation.
	rate := depreciationRate(req.ItemType)
	depreciated := base
	if req.AgeYears != nil {
		depreciated = applyDepreciation(base, *req.AgeYears, rate)
	}
	if depreciated != base {
		r := rate
		factors = append(factors, Factor{
			Factor:      "depreciation",
			Impact:      "reduction",
			Rate:        &r,
			AgeYears:    req.AgeYears,
			ValueMicros: money.FormatMicros(depreciated),
		})
	}

	// Step 3: condition multiplier.
	mult, ok := conditionMultipliers[strings.ToLower(req.Condition)]
	if !ok {
		mult = conditionMultipliers["good"]
	}
	estimated := int64(float64(depreciated) * mult)
	if mult != 1.0 {
		m := mult
		factors = append(factors, Factor{
			Factor:      "condition",
			Impact:      "adjustment",
			Multiplier:  &m,
			Condition:   req.Condition,
			ValueMicros: money.FormatMicros(estimated),
		})
	}

	// Step 4: default band.
	low := int64(float64(estimated) * 0.80)
	high := int64(float64(estimated) * 1.20)

	// Step 5: bias detection.
	flags := detectBias(req, estimated, purchasePrice, hasPurchasePrice)

	// Step 6: confidence.
	score, level := confidence(req, flags)

	// Step 7: widen or tighten the band by tier.
	switch level {
	case LevelLow:
		low = int64(float64(estimated) * 0.60)
		high = int64(float64(estimated) * 1.40)
	case LevelHigh:
		low = int64(float64(estimated) * 0.90)
		high = int64(float64(estimated) * 1.10)
	}

	// Step 8: provenance and result assembly.
	inputsHash, err := inputsHash(req)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ValuationID:          e.newID(),
		AssetID:              req.AssetID,
		EstimatedValueMicros: money.FormatMicros(estimated),
		LowEstimateMicros:    money.FormatMicros(low),
		HighEstimateMicros:   money.FormatMicros(high),
		Currency:             "USD",
		ConfidenceScore:      score,
		ConfidenceLevel:      level,
		Method:               method,
		Factors:              factors,
		BiasFlags:            flags,
		InputsHash:           inputsHash,
		ValuationVersion:     Version,
		ValuedAt:             e.now(),
	}

	e.sink.WriteEvent(ctx, "core", "VALUATION_COMPUTED", map[string]any{
		"valuation_id":           result.ValuationID,
		"estimated_value_micros": result.EstimatedValueMicros,
		"confidence_level":       string(level),
		"method":                 string(method),
		"inputs_hash":            inputsHash,
		"bias_flags":             flags,
	}, ledger.EventRef{AssetID: req.AssetID, CorrelationID: req.CorrelationID})

	return result, nil
}

func validate(req Request) error {
	switch {
	case req.AssetID == "":
		return fmt.Errorf("%w: asset_id is required", ErrInvalidRequest)
	case req.ItemType == "":
		return fmt.Errorf("%w: item_type is required", ErrInvalidRequest)
	case req.Condition == "":
		return fmt.Errorf("%w: condition is required", ErrInvalidRequest)
	case req.SourceApp == "":
		return fmt.Errorf("%w: source_app is required", ErrInvalidRequest)
	}
	return nil
}

func depreciationRate(itemType string) float64 {
	if r, ok := depreciationRates[strings.ToLower(itemType)]; ok {
		return r
	}
	return defaultDepreciationRate
}

// applyDepreciation applies declining-balance depreciation, floored at
// 10% of the starting value. The floor never binds for negative
// (appreciating) rates.
func applyDepreciation(valueMicros int64, ageYears, rate float64) int64 {
	if ageYears <= 0 {
		return valueMicros
	}
	remaining := int64(float64(valueMicros) * math.Pow(1-rate, ageYears))
	floor := int64(float64(valueMicros) * 0.1)
	if remaining < floor {
		return floor
	}
	return remaining
}

func estimateFromCategory(req Request) int64 {
	base, ok := categoryEstimates[strings.ToLower(req.ItemType)]
	if !ok {
		base = defaultCategoryEstimate
	}
	if req.Brand != "" && premiumBrands[strings.ToLower(req.Brand)] {
		base = int64(float64(base) * 1.5)
	}
	return base
}

func detectBias(req Request, estimated, purchasePrice int64, hasPurchasePrice bool) []string {
	flags := []string{}

	if hasPurchasePrice && float64(estimated) > float64(purchasePrice)*1.5 {
		flags = append(flags, FlagExceedsPurchase)
	}
	if req.Brand == "" && (req.ItemType == "electronics" || req.ItemType == "appliances") {
		flags = append(flags, FlagMissingBrand)
	}
	if req.AgeYears != nil && *req.AgeYears > 10 && req.Condition == "new" {
		flags = append(flags, FlagAgeMismatch)
	}
	return flags
}

// confidence starts at 1.0 and deducts independently for each missing
// input, then per bias flag, flooring at 0.1.
func confidence(req Request, flags []string) (float64, Level) {
	score := 1.0
	if req.Brand == "" {
		score -= 0.15
	}
	if req.Model == "" {
		score -= 0.10
	}
	if req.AgeYears == nil {
		score -= 0.10
	}
	if req.PurchasePriceMicros == "" {
		score -= 0.15
	}
	if len(req.Images) == 0 {
		score -= 0.20
	}
	score -= float64(len(flags)) * 0.10
	if score < 0.1 {
		score = 0.1
	}

	switch {
	case score >= 0.85:
		return score, LevelHigh
	case score >= 0.60:
		return score, LevelMedium
	default:
		return score, LevelLow
	}
}

// inputsHash digests the canonical valuation inputs, nulls retained.
func inputsHash(req Request) (string, error) {
	var age any
	if req.AgeYears != nil {
		age = *req.AgeYears
	}
	return canonical.Hash(map[string]any{
		"asset_id":              req.AssetID,
		"item_type":             req.ItemType,
		"brand":                 nullable(req.Brand),
		"model":                 nullable(req.Model),
		"condition":             req.Condition,
		"age_years":             age,
		"purchase_price_micros": nullable(req.PurchasePriceMicros),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
