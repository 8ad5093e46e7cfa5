// Package registry assigns canonical PROVENIQ Asset IDs (PAIDs) to assets
// sourced from the platform apps, deduplicates registrations by source key,
// and tracks owner, valuation and anchor bindings over the asset lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/proveniq/core/internal/canonical"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/money"
)

// ErrInvalidRegistration reports a registration missing required fields or
// naming an unknown source app.
var ErrInvalidRegistration = errors.New("invalid registration")

// Registry is the central asset registry. All mutations go through the
// Store, which serializes read-modify-write sequences; every mutation
// except update_valuation is mirrored to the Ledger best-effort.
type Registry struct {
	store Store
	sink  ledger.EventSink

	now   func() time.Time
	newID func() string
}

// New builds a Registry over the given store and ledger sink.
func New(store Store, sink ledger.EventSink) *Registry {
	return &Registry{
		store: store,
		sink:  sink,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Register assigns a PAID to an asset. Registration is idempotent under
// the (source_app, source_asset_id) key: a repeat registration returns the
// first-seen record unchanged, without re-validating the other fields.
func (r *Registry) Register(ctx context.Context, reg Registration) (Asset, error) {
	if err := validateRegistration(&reg); err != nil {
		return Asset{}, err
	}

	hash, err := provenanceHash(reg)
	if err != nil {
		return Asset{}, err
	}

	now := r.now()
	candidate := Asset{
		PAID:               r.newID(),
		SourceApp:          reg.SourceApp,
		SourceAssetID:      reg.SourceAssetID,
		AssetType:          reg.AssetType,
		Category:           reg.Category,
		Name:               reg.Name,
		Description:        reg.Description,
		OwnerID:            reg.OwnerID,
		OwnerType:          reg.OwnerType,
		Status:             StatusActive,
		AnchorID:           reg.AnchorID,
		CurrentValueMicros: reg.EstimatedValueMicros,
		ProvenanceHash:     hash,
		RegisteredAt:       now,
		UpdatedAt:          now,
	}

	stored, created, err := r.store.PutIfAbsent(ctx, candidate)
	if err != nil {
		return Asset{}, err
	}
	if !created {
		return stored, nil
	}

	log.Printf("[registry] registered asset %s for %s", stored.PAID, stored.OwnerID)
	r.sink.WriteEvent(ctx, "core", "ASSET_REGISTERED", map[string]any{
		"paid":            stored.PAID,
		"source_app":      stored.SourceApp,
		"source_asset_id": stored.SourceAssetID,
		"asset_type":      stored.AssetType,
		"category":        stored.Category,
		"name":            stored.Name,
		"owner_id":        nullable(stored.OwnerID),
		"provenance_hash": stored.ProvenanceHash,
	}, ledger.EventRef{
		AssetID:       stored.PAID,
		AnchorID:      stored.AnchorID,
		CorrelationID: reg.CorrelationID,
	})

	return stored, nil
}

// Get returns an asset by PAID.
func (r *Registry) Get(ctx context.Context, paid string) (Asset, error) {
	return r.store.Get(ctx, paid)
}

// GetBySource returns an asset by its source app and source-local id.
func (r *Registry) GetBySource(ctx context.Context, sourceApp, sourceID string) (Asset, error) {
	return r.store.GetBySource(ctx, sourceApp, sourceID)
}

// BindAnchor binds a physical anchor to an asset, overwriting any prior
// binding, and records ANCHOR_BOUND_TO_ASSET on the Ledger.
func (r *Registry) BindAnchor(ctx context.Context, paid, anchorID string) (Asset, error) {
	updated, err := r.store.Update(ctx, paid, func(a *Asset) error {
		a.AnchorID = anchorID
		a.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return Asset{}, err
	}

	r.sink.WriteEvent(ctx, "core", "ANCHOR_BOUND_TO_ASSET", map[string]any{
		"paid":      updated.PAID,
		"anchor_id": anchorID,
	}, ledger.EventRef{AssetID: updated.PAID, AnchorID: anchorID})

	return updated, nil
}

// Transfer moves ownership of an asset and flips its status to
// transferred, recording ASSET_TRANSFERRED with both owners.
func (r *Registry) Transfer(ctx context.Context, paid, newOwnerID, newOwnerType string) (Asset, error) {
	if newOwnerType == "" {
		newOwnerType = "individual"
	}

	var oldOwner string
	updated, err := r.store.Update(ctx, paid, func(a *Asset) error {
		oldOwner = a.OwnerID
		a.OwnerID = newOwnerID
		a.OwnerType = newOwnerType
		a.Status = StatusTransferred
		a.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return Asset{}, err
	}

	log.Printf("[registry] transferred %s from %s to %s", paid, oldOwner, newOwnerID)
	r.sink.WriteEvent(ctx, "core", "ASSET_TRANSFERRED", map[string]any{
		"paid":          updated.PAID,
		"from_owner":    nullable(oldOwner),
		"to_owner":      newOwnerID,
		"to_owner_type": newOwnerType,
	}, ledger.EventRef{AssetID: updated.PAID, AnchorID: updated.AnchorID})

	return updated, nil
}

// UpdateValuation records the asset's latest valuation reference. The
// valuation itself was already ledgered as VALUATION_COMPUTED by the
// engine that produced it, so no registry event is emitted here.
func (r *Registry) UpdateValuation(ctx context.Context, paid, valueMicros, valuationID string) (Asset, error) {
	if _, err := money.ParseMicros(valueMicros); err != nil {
		return Asset{}, err
	}

	return r.store.Update(ctx, paid, func(a *Asset) error {
		now := r.now()
		a.CurrentValueMicros = valueMicros
		a.ValuationID = valuationID
		a.ValuedAt = &now
		a.UpdatedAt = now
		return nil
	})
}

// Archive retires an asset from active circulation.
func (r *Registry) Archive(ctx context.Context, paid, reason string) (Asset, error) {
	updated, err := r.store.Update(ctx, paid, func(a *Asset) error {
		a.Status = StatusArchived
		a.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return Asset{}, err
	}
	log.Printf("[registry] archived %s: %s", paid, reason)
	return updated, nil
}

// ListByOwner returns all assets currently owned by ownerID. Linear scan;
// order is unspecified.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]Asset, error) {
	return r.store.ListByOwner(ctx, ownerID)
}

func validateRegistration(reg *Registration) error {
	switch {
	case reg.SourceApp == "":
		return fmt.Errorf("%w: source_app is required", ErrInvalidRegistration)
	case !sourceApps[reg.SourceApp]:
		return fmt.Errorf("%w: unknown source_app %q", ErrInvalidRegistration, reg.SourceApp)
	case reg.SourceAssetID == "":
		return fmt.Errorf("%w: source_asset_id is required", ErrInvalidRegistration)
	case reg.AssetType == "":
		return fmt.Errorf("%w: asset_type is required", ErrInvalidRegistration)
	case reg.Category == "":
		return fmt.Errorf("%w: category is required", ErrInvalidRegistration)
	case reg.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if reg.OwnerType == "" {
		reg.OwnerType = "individual"
	}
	if reg.Currency == "" {
		reg.Currency = "USD"
	}
	if reg.EstimatedValueMicros != "" {
		if _, err := money.ParseMicros(reg.EstimatedValueMicros); err != nil {
			return err
		}
	}
	return nil
}

// provenanceHash digests the identity-defining registration fields.
// Absent optionals are retained as explicit nulls.
func provenanceHash(reg Registration) (string, error) {
	return canonical.Hash(map[string]any{
		"source_app":      reg.SourceApp,
		"source_asset_id": reg.SourceAssetID,
		"asset_type":      reg.AssetType,
		"category":        reg.Category,
		"name":            reg.Name,
		"owner_id":        nullable(reg.OwnerID),
		"anchor_id":       nullable(reg.AnchorID),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
