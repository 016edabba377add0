// Package collector turns the raw ledger history of one fund holding into a
// normalized, chronologically ordered cash-flow series ready for solving.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
	"github.com/username/clientfolio/backend/src/utils"
)

var (
	// ErrDataIncomplete means no valuation exists at or before the as-of
	// date, so the series has no terminal event and no return is computable.
	ErrDataIncomplete = errors.New("no valuation at or before the as-of date")
	// ErrEmptySeries means the entity has zero ledger events in the period.
	ErrEmptySeries = errors.New("entity has no ledger events")
)

// Collector is a pure read/transform over the ledger store. It owns no state.
type Collector struct {
	events store.EventReader
}

func New(events store.EventReader) *Collector {
	return &Collector{events: events}
}

// Collect builds the cash-flow series of one entity up to asOf.
//
// Ledger amounts are stored as positive magnitudes; Collect applies the
// investor sign convention (capital paid in is negative, capital coming back
// is positive), nets events that share a date into one combined amount, and
// appends the latest valuation at or before asOf as the terminal event.
func (c *Collector) Collect(ctx context.Context, entityID string, asOf time.Time) (models.CashFlowSeries, error) {
	asOf = utils.Midnight(asOf)
	rows, err := c.events.ReadEvents(ctx, entityID, asOf)
	if err != nil {
		return models.CashFlowSeries{}, fmt.Errorf("reading ledger events for entity %s: %w", entityID, err)
	}
	if len(rows) == 0 {
		return models.CashFlowSeries{}, fmt.Errorf("entity %s: %w", entityID, ErrEmptySeries)
	}

	terminal, ok := latestValuation(rows)
	if !ok {
		return models.CashFlowSeries{}, fmt.Errorf("entity %s as of %s: %w",
			entityID, asOf.Format(utils.DefaultDateFormat), ErrDataIncomplete)
	}

	// Net same-day flows. Flows dated after the terminal valuation fall
	// outside the measurable window and are excluded.
	type bucket struct {
		amount decimal.Decimal
		kinds  []models.EventKind
	}
	buckets := make(map[string]*bucket)
	for _, row := range rows {
		if row.Kind == models.KindValuation || row.Date.After(terminal.Date) {
			continue
		}
		key := row.Date.Format(utils.DefaultDateFormat)
		b, exists := buckets[key]
		if !exists {
			b = &bucket{amount: decimal.Zero}
			buckets[key] = b
		}
		b.amount = b.amount.Add(signedAmount(row))
		b.kinds = append(b.kinds, row.Kind)
	}

	events := make([]models.CashFlowEvent, 0, len(buckets)+1)
	for key, b := range buckets {
		date, _ := utils.ParseDate(key)
		ev := models.CashFlowEvent{Date: date, Amount: b.amount, Kind: b.kinds[0]}
		if len(b.kinds) > 1 {
			ev.Netted = b.kinds
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Date.Before(events[j].Date)
	})
	events = append(events, models.CashFlowEvent{
		Date:   terminal.Date,
		Amount: terminal.Amount,
		Kind:   models.KindValuation,
	})

	return models.CashFlowSeries{
		EntityID: entityID,
		Level:    models.LevelFund,
		AsOf:     asOf,
		Events:   events,
	}, nil
}

// latestValuation picks the most recent valuation row. Rows arrive ordered by
// date then insertion time, so the last valuation wins; a valuation amended
// on the same date overwrites its predecessor.
func latestValuation(rows []store.LedgerRow) (store.LedgerRow, bool) {
	var terminal store.LedgerRow
	var found bool
	for _, row := range rows {
		if row.Kind == models.KindValuation {
			terminal = row
			found = true
		}
	}
	return terminal, found
}

func signedAmount(row store.LedgerRow) decimal.Decimal {
	switch row.Kind {
	case models.KindContribution, models.KindSwitchIn:
		return row.Amount.Neg()
	default:
		return row.Amount
	}
}
