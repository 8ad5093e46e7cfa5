package registry

import "time"

// Status is the lifecycle state of a registered asset.
type Status string

const (
	StatusActive      Status = "active"
	StatusArchived    Status = "archived"
	StatusDisputed    Status = "disputed"
	StatusTransferred Status = "transferred"
)

// Source apps allowed to register assets.
var sourceApps = map[string]bool{
	"home":       true,
	"properties": true,
	"ops":        true,
	"origins":    true,
	"bids":       true,
	"transit":    true,
	"manual":     true,
}

// Registration is a request to register an asset in Core.
type Registration struct {
	SourceApp     string `json:"source_app"`
	SourceAssetID string `json:"source_asset_id"`

	AssetType   string `json:"asset_type"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	OwnerID   string `json:"owner_id,omitempty"`
	OwnerType string `json:"owner_type,omitempty"`

	Images    []string `json:"images,omitempty"`
	Documents []string `json:"documents,omitempty"`

	AnchorID string `json:"anchor_id,omitempty"`

	EstimatedValueMicros string `json:"estimated_value_micros,omitempty"`
	Currency             string `json:"currency,omitempty"`

	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Asset is a registered asset in the Core registry. The PAID is the
// canonical identifier for the asset across all apps and the Ledger.
type Asset struct {
	PAID string `json:"paid"`

	SourceApp     string `json:"source_app"`
	SourceAssetID string `json:"source_asset_id"`

	AssetType   string `json:"asset_type"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	OwnerID   string `json:"owner_id,omitempty"`
	OwnerType string `json:"owner_type"`

	Status   Status `json:"status"`
	AnchorID string `json:"anchor_id,omitempty"`

	// Latest valuation, maintained by update_valuation.
	CurrentValueMicros string     `json:"current_value_micros,omitempty"`
	ValuationID        string     `json:"valuation_id,omitempty"`
	ValuedAt           *time.Time `json:"valued_at,omitempty"`

	// ProvenanceHash binds the identity-defining registration fields.
	// Computed once at registration, immutable afterwards.
	ProvenanceHash string `json:"provenance_hash"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SourceKey is the dedup key for registrations: source_app:source_asset_id.
func SourceKey(sourceApp, sourceID string) string {
	return sourceApp + ":" + sourceID
}
