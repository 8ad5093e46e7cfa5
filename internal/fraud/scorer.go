// Package fraud scores claims, transactions, users and assets for fraud
// risk. Every fraud-sensitive operation routes through this scorer so
// signal detection and thresholds stay consistent across source apps.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proveniq/core/internal/canonical"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/money"
)

// Version tags every result so consumers can detect scoring changes.
const Version = "1.0.0"

var (
	// ErrInvalidRequest reports a request missing required fields.
	ErrInvalidRequest = errors.New("invalid fraud score request")

	// ErrInvalidSignal reports a caller-supplied signal with an unknown
	// type or an out-of-range severity.
	ErrInvalidSignal = errors.New("invalid fraud signal")
)

// RiskLevel buckets the 0-100 score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // 0-30
	RiskMedium   RiskLevel = "medium"   // 31-60
	RiskHigh     RiskLevel = "high"     // 61-80
	RiskCritical RiskLevel = "critical" // 81-100
)

// SignalType is the closed vocabulary of fraud signal categories.
type SignalType string

const (
	SignalVelocity      SignalType = "velocity"
	SignalAmount        SignalType = "amount"
	SignalTiming        SignalType = "timing"
	SignalHistory       SignalType = "history"
	SignalIdentity      SignalType = "identity"
	SignalDocumentation SignalType = "documentation"
	SignalNetwork       SignalType = "network"
	SignalBehavioral    SignalType = "behavioral"
)

var signalTypes = map[SignalType]bool{
	SignalVelocity:      true,
	SignalAmount:        true,
	SignalTiming:        true,
	SignalHistory:       true,
	SignalIdentity:      true,
	SignalDocumentation: true,
	SignalNetwork:       true,
	SignalBehavioral:    true,
}

// ParseSignalType validates a signal type against the closed vocabulary.
func ParseSignalType(s string) (SignalType, error) {
	t := SignalType(strings.ToLower(s))
	if !signalTypes[t] {
		return "", fmt.Errorf("%w: unknown signal type %q", ErrInvalidSignal, s)
	}
	return t, nil
}

// Signal is one detected fraud indicator with severity 1-10.
type Signal struct {
	SignalType  SignalType     `json:"signal_type"`
	Severity    int            `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence"`
}

// CustomSignal is a caller-supplied signal merged into the detected set
// after validation.
type CustomSignal struct {
	SignalType  string         `json:"signal_type"`
	Severity    int            `json:"severity"`
	Description string         `json:"description,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// Request carries the entity under scrutiny plus the historical and
// documentation context the checks run against. Counts and totals are
// supplied by the caller; the scorer itself holds no state.
type Request struct {
	EntityType   string `json:"entity_type"` // claim, transaction, user, asset
	EntityID     string `json:"entity_id"`
	UserID       string `json:"user_id,omitempty"`
	AssetID      string `json:"asset_id,omitempty"`
	AmountMicros string `json:"amount_micros,omitempty"`

	SourceApp string `json:"source_app"`
	EventType string `json:"event_type"`

	UserClaimCount30d       int    `json:"user_claim_count_30d"`
	UserClaimTotalMicros30d string `json:"user_claim_total_micros_30d"`
	AssetClaimCountAll      int    `json:"asset_claim_count_all"`

	EvidenceCount         int  `json:"evidence_count"`
	HasAnchorVerification bool `json:"has_anchor_verification"`
	HasLedgerHistory      bool `json:"has_ledger_history"`

	AdditionalSignals []CustomSignal `json:"additional_signals,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// Result is an immutable fraud score.
type Result struct {
	ScoreID    string `json:"score_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	Score     int       `json:"score"`
	RiskLevel RiskLevel `json:"risk_level"`

	Signals []Signal `json:"signals"`

	Recommendation      string `json:"recommendation"` // approve, review, escalate, deny
	AutoDecisionAllowed bool   `json:"auto_decision_allowed"`

	InputsHash     string    `json:"inputs_hash"`
	ScoringVersion string    `json:"scoring_version"`
	ScoredAt       time.Time `json:"scored_at"`
}

// Velocity and amount thresholds, in counts and micros.
const (
	velocityClaimThreshold30d  = 3
	velocityAmountThreshold30d = 50_000_000_000
	assetClaimThreshold        = 2
	highAmountThreshold        = 10_000_000_000
)

// Scorer evaluates fraud requests and mirrors results to the ledger.
type Scorer struct {
	sink ledger.EventSink

	now   func() time.Time
	newID func() string
}

// New builds a Scorer writing FRAUD_SCORE_COMPUTED events to sink.
func New(sink ledger.EventSink) *Scorer {
	return &Scorer{
		sink:  sink,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Score runs all signal checks, folds in validated custom signals and
// produces a 0-100 score with a recommendation. Malformed amounts and
// invalid custom signals are rejected before any scoring happens.
func (s *Scorer) Score(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	signals := []Signal{}
	velocitySigs, err := velocitySignals(req)
	if err != nil {
		return Result{}, err
	}
	signals = append(signals, velocitySigs...)
	signals = append(signals, documentationSignals(req)...)
	amountSigs, err := amountSignals(req)
	if err != nil {
		return Result{}, err
	}
	signals = append(signals, amountSigs...)

	for _, custom := range req.AdditionalSignals {
		sig, err := validateCustom(custom)
		if err != nil {
			return Result{}, err
		}
		signals = append(signals, sig)
	}

	score := calculateScore(signals)
	level := riskLevel(score)
	recommendation, autoDecision := recommend(level)

	inputsHash, err := inputsHash(req)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ScoreID:             s.newID(),
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Score:               score,
		RiskLevel:           level,
		Signals:             signals,
		Recommendation:      recommendation,
		AutoDecisionAllowed: autoDecision,
		InputsHash:          inputsHash,
		ScoringVersion:      Version,
		ScoredAt:            s.now(),
	}

	s.sink.WriteEvent(ctx, "core", "FRAUD_SCORE_COMPUTED", map[string]any{
		"score_id":       result.ScoreID,
		"entity_type":    req.EntityType,
		"entity_id":      req.EntityID,
		"score":          score,
		"risk_level":     string(level),
		"recommendation": recommendation,
		"signal_count":   len(signals),
		"inputs_hash":    inputsHash,
	}, ledger.EventRef{AssetID: req.AssetID, ActorID: req.UserID, CorrelationID: req.CorrelationID})

	return result, nil
}

func validate(req Request) error {
	switch {
	case req.EntityType == "":
		return fmt.Errorf("%w: entity_type is required", ErrInvalidRequest)
	case req.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", ErrInvalidRequest)
	case req.SourceApp == "":
		return fmt.Errorf("%w: source_app is required", ErrInvalidRequest)
	case req.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidRequest)
	}
	return nil
}

func validateCustom(custom CustomSignal) (Signal, error) {
	sigType, err := ParseSignalType(custom.SignalType)
	if err != nil {
		return Signal{}, err
	}
	if custom.Severity < 1 || custom.Severity > 10 {
		return Signal{}, fmt.Errorf("%w: severity %d out of range [1,10]", ErrInvalidSignal, custom.Severity)
	}
	desc := custom.Description
	if desc == "" {
		desc = "Custom signal"
	}
	evidence := custom.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	return Signal{SignalType: sigType, Severity: custom.Severity, Description: desc, Evidence: evidence}, nil
}

func velocitySignals(req Request) ([]Signal, error) {
	var signals []Signal

	if req.UserClaimCount30d > velocityClaimThreshold30d {
		signals = append(signals, Signal{
			SignalType:  SignalVelocity,
			Severity:    min(10, 5+req.UserClaimCount30d-velocityClaimThreshold30d),
			Description: fmt.Sprintf("User has %d claims in last 30 days", req.UserClaimCount30d),
			Evidence:    map[string]any{"claim_count_30d": req.UserClaimCount30d},
		})
	}

	var total int64
	if req.UserClaimTotalMicros30d != "" {
		var err error
		total, err = money.ParseMicros(req.UserClaimTotalMicros30d)
		if err != nil {
			return nil, fmt.Errorf("user_claim_total_micros_30d: %w", err)
		}
	}
	if total > velocityAmountThreshold30d {
		severity := min(10, 5+int((total-velocityAmountThreshold30d)/10_000_000_000))
		signals = append(signals, Signal{
			SignalType:  SignalVelocity,
			Severity:    severity,
			Description: fmt.Sprintf("User claimed %s in last 30 days", money.FormatUSD(total)),
			Evidence:    map[string]any{"total_micros_30d": req.UserClaimTotalMicros30d},
		})
	}

	if req.AssetClaimCountAll > assetClaimThreshold {
		signals = append(signals, Signal{
			SignalType:  SignalVelocity,
			Severity:    min(10, 6+req.AssetClaimCountAll-assetClaimThreshold),
			Description: fmt.Sprintf("Asset has %d claims total", req.AssetClaimCountAll),
			Evidence:    map[string]any{"asset_claim_count": req.AssetClaimCountAll},
		})
	}

	return signals, nil
}

func documentationSignals(req Request) []Signal {
	var signals []Signal

	switch {
	case req.EvidenceCount == 0:
		signals = append(signals, Signal{
			SignalType:  SignalDocumentation,
			Severity:    7,
			Description: "No evidence provided",
			Evidence:    map[string]any{"evidence_count": 0},
		})
	case req.EvidenceCount < 3:
		signals = append(signals, Signal{
			SignalType:  SignalDocumentation,
			Severity:    3,
			Description: "Limited evidence provided",
			Evidence:    map[string]any{"evidence_count": req.EvidenceCount},
		})
	}

	if !req.HasAnchorVerification {
		signals = append(signals, Signal{
			SignalType:  SignalDocumentation,
			Severity:    2,
			Description: "No anchor verification",
			Evidence:    map[string]any{"has_anchor": false},
		})
	}

	if !req.HasLedgerHistory {
		signals = append(signals, Signal{
			SignalType:  SignalDocumentation,
			Severity:    3,
			Description: "No provenance history in Ledger",
			Evidence:    map[string]any{"has_ledger_history": false},
		})
	}

	return signals
}

func amountSignals(req Request) ([]Signal, error) {
	if req.AmountMicros == "" {
		return nil, nil
	}
	amount, err := money.ParseMicros(req.AmountMicros)
	if err != nil {
		return nil, fmt.Errorf("amount_micros: %w", err)
	}

	var signals []Signal

	if amount > highAmountThreshold {
		signals = append(signals, Signal{
			SignalType:  SignalAmount,
			Severity:    5,
			Description: fmt.Sprintf("High value claim: %s", money.FormatUSD(amount)),
			Evidence:    map[string]any{"amount_micros": req.AmountMicros},
		})
	}

	// Exact multiples of $1000 read as fabricated.
	if amount%1_000_000_000 == 0 && amount >= 1_000_000_000 {
		signals = append(signals, Signal{
			SignalType:  SignalAmount,
			Severity:    2,
			Description: "Suspiciously round claim amount",
			Evidence:    map[string]any{"amount_micros": req.AmountMicros},
		})
	}

	return signals, nil
}

// calculateScore is a weighted severity sum capped at 100, plus a capped
// bonus for signal count so many weak signals still compound.
func calculateScore(signals []Signal) int {
	if len(signals) == 0 {
		return 0
	}
	totalSeverity := 0
	for _, s := range signals {
		totalSeverity += s.Severity
	}
	baseScore := min(100, totalSeverity*5)
	compoundBonus := min(20, len(signals)*3)
	return min(100, baseScore+compoundBonus)
}

func riskLevel(score int) RiskLevel {
	switch {
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func recommend(level RiskLevel) (string, bool) {
	switch level {
	case RiskLow:
		return "approve", true
	case RiskMedium:
		return "review", false
	case RiskHigh:
		return "escalate", false
	default:
		return "deny", false
	}
}

// inputsHash digests the canonical identity of the scoring request,
// nulls retained. Historical counts are context, not identity, so they
// stay out of the hash.
func inputsHash(req Request) (string, error) {
	return canonical.Hash(map[string]any{
		"entity_type":   req.EntityType,
		"entity_id":     req.EntityID,
		"user_id":       nullable(req.UserID),
		"asset_id":      nullable(req.AssetID),
		"amount_micros": nullable(req.AmountMicros),
		"source_app":    req.SourceApp,
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
