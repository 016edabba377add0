package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Level identifies one step of the ownership hierarchy. Returns are
// computable at every level; everything above LevelFund is an aggregate of
// its children's cash flows.
type Level string

const (
	LevelFund         Level = "fund"
	LevelPortfolio    Level = "portfolio"
	LevelProduct      Level = "product"
	LevelClient       Level = "client"
	LevelOrganization Level = "organization"
)

// ParseLevel maps a request parameter to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelFund:
		return LevelFund, nil
	case LevelPortfolio:
		return LevelPortfolio, nil
	case LevelProduct:
		return LevelProduct, nil
	case LevelClient:
		return LevelClient, nil
	case LevelOrganization:
		return LevelOrganization, nil
	}
	return "", fmt.Errorf("unknown aggregation level %q", s)
}

// IsAggregate reports whether entities at this level own child entities.
func (l Level) IsAggregate() bool {
	return l != LevelFund
}

// EventKind classifies a single ledger movement.
type EventKind string

const (
	KindContribution EventKind = "contribution"
	KindWithdrawal   EventKind = "withdrawal"
	KindSwitchIn     EventKind = "switch_in"
	KindSwitchOut    EventKind = "switch_out"
	KindValuation    EventKind = "valuation"
)

// ParseEventKind maps a request parameter to an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	switch EventKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindContribution:
		return KindContribution, nil
	case KindWithdrawal:
		return KindWithdrawal, nil
	case KindSwitchIn:
		return KindSwitchIn, nil
	case KindSwitchOut:
		return KindSwitchOut, nil
	case KindValuation:
		return KindValuation, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// CashFlowEvent is one dated, signed movement in a series. The sign follows
// the investor's perspective: money paid into the entity is negative, money
// coming back out (withdrawals, the terminal valuation) is positive.
type CashFlowEvent struct {
	Date   time.Time       `json:"date"`
	Amount decimal.Decimal `json:"amount"`
	Kind   EventKind       `json:"kind"`
	// Netted lists the kinds folded into this event by same-day netting.
	// Kept for audit output only; solving ignores it.
	Netted []EventKind `json:"netted,omitempty"`
}

// CashFlowSeries is the chronologically ordered cash-flow history of one
// entity up to one as-of date. The last event is always the terminal
// valuation.
type CashFlowSeries struct {
	EntityID string          `json:"entity_id"`
	Level    Level           `json:"level"`
	AsOf     time.Time       `json:"as_of"`
	Events   []CashFlowEvent `json:"events"`
}

// HasSignChange reports whether the series contains both positive and
// negative amounts. Without a sign change the NPV never crosses zero and no
// real rate exists.
func (s CashFlowSeries) HasSignChange() bool {
	var pos, neg bool
	for _, ev := range s.Events {
		switch ev.Amount.Sign() {
		case 1:
			pos = true
		case -1:
			neg = true
		}
	}
	return pos && neg
}

// LargestAbsAmount returns the largest absolute amount in the series. The
// solver scales its convergence tolerance by it.
func (s CashFlowSeries) LargestAbsAmount() decimal.Decimal {
	largest := decimal.Zero
	for _, ev := range s.Events {
		if abs := ev.Amount.Abs(); abs.GreaterThan(largest) {
			largest = abs
		}
	}
	return largest
}

// ReasonCode explains a non-converged IRRResult.
type ReasonCode string

const (
	ReasonNoSignChange       ReasonCode = "no_sign_change"
	ReasonMaxIterations      ReasonCode = "max_iterations_exceeded"
	ReasonInsufficientEvents ReasonCode = "insufficient_events"
	ReasonDataIncomplete     ReasonCode = "data_incomplete"
)

// IRRResult is the outcome of solving one cash-flow series. A non-converged
// result is a valid, storable value: Rate is null and Reason says why.
type IRRResult struct {
	Rate       decimal.NullDecimal `json:"rate"`
	AsOfDate   time.Time           `json:"as_of_date"`
	Converged  bool                `json:"converged"`
	Reason     ReasonCode          `json:"reason,omitempty"`
	Iterations int                 `json:"iterations"`
	EntityID   string              `json:"entity_id"`
	Level      Level               `json:"level"`
}

// NonConverged builds the canonical failed result for an entity.
func NonConverged(level Level, entityID string, asOf time.Time, reason ReasonCode) IRRResult {
	return IRRResult{
		AsOfDate: asOf,
		Reason:   reason,
		EntityID: entityID,
		Level:    level,
	}
}

// AggregationKey uniquely identifies one cached/computable return figure.
type AggregationKey struct {
	Level    Level     `json:"level"`
	EntityID string    `json:"entity_id"`
	AsOf     time.Time `json:"as_of"`
}

// String renders the cache key form "level:entity:YYYY-MM-DD".
func (k AggregationKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Level, k.EntityID, k.AsOf.Format("2006-01-02"))
}

// EntityKeyPrefix returns the prefix shared by every cached as-of date of one
// entity, used when invalidating across dates.
func EntityKeyPrefix(level Level, entityID string) string {
	return fmt.Sprintf("%s:%s:", level, entityID)
}

// CacheStatus is the lifecycle state of a cache entry.
type CacheStatus string

const (
	StatusFresh     CacheStatus = "fresh"
	StatusStale     CacheStatus = "stale"
	StatusComputing CacheStatus = "computing"
)

// CacheEntry is the stored form of one computed return. Owned exclusively by
// the cache manager; the collector and aggregator are stateless.
type CacheEntry struct {
	Key        AggregationKey `json:"key"`
	Result     IRRResult      `json:"result"`
	ComputedAt time.Time      `json:"computed_at"`
	Status     CacheStatus    `json:"status"`
}
