package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/models"
)

// LedgerRow is one raw transaction or valuation record as persisted. Amounts
// are stored as positive magnitudes; the collector applies the investor sign
// convention.
type LedgerRow struct {
	ID       string           `json:"id"`
	EntityID string           `json:"entity_id"`
	Date     time.Time        `json:"date"`
	Amount   decimal.Decimal  `json:"amount"`
	Kind     models.EventKind `json:"kind"`
}

// Entity is one node of the ownership hierarchy.
type Entity struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Level    models.Level `json:"level"`
	ParentID string       `json:"parent_id,omitempty"`
}

// EventReader is the collector's sole external dependency.
type EventReader interface {
	ReadEvents(ctx context.Context, entityID string, upTo time.Time) ([]LedgerRow, error)
}

// HierarchyReader resolves parent/child relationships for aggregation and
// invalidation propagation.
type HierarchyReader interface {
	GetEntity(ctx context.Context, id string) (Entity, error)
	Children(ctx context.Context, parentID string) ([]Entity, error)
	Ancestors(ctx context.Context, entityID string) ([]Entity, error)
}

// Notifier receives invalidation callbacks for ledger writes. Every write
// notifies before it is reported successful; this is a hard consistency
// requirement, not best-effort.
type Notifier interface {
	Invalidate(entityID string, level models.Level)
}
