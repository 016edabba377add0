// Package aggregator computes combined returns for every level of the
// ownership hierarchy above the fund.
//
// The combined return of a parent is obtained by merging the raw cash-flow
// series of its children and solving the merged series exactly once. It is
// never an average of the children's individually solved rates: averaging
// misstates the true money-weighted return whenever cash-flow timing differs
// between children.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/collector"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
	"github.com/username/clientfolio/backend/src/utils"
)

// ErrNoActiveChildren means every child of the aggregate had zero ledger
// activity in the period, leaving nothing to solve.
var ErrNoActiveChildren = errors.New("no child entity has ledger activity in the period")

type Engine struct {
	collector *collector.Collector
	hierarchy store.HierarchyReader
	solver    Solver
}

// Solver is the rate-finding dependency; satisfied by the solver package.
type Solver interface {
	Solve(series models.CashFlowSeries) models.IRRResult
}

func New(c *collector.Collector, hierarchy store.HierarchyReader, s Solver) *Engine {
	return &Engine{collector: c, hierarchy: hierarchy, solver: s}
}

// Aggregate computes the return of one entity at any hierarchy level. Funds
// are collected directly; aggregates are solved once over the merged series
// of their descendants. An unknown entity is an error, never an empty
// series: a ghost id must not produce a storable result.
func (e *Engine) Aggregate(ctx context.Context, level models.Level, entityID string, asOf time.Time) (models.IRRResult, error) {
	if _, err := e.hierarchy.GetEntity(ctx, entityID); err != nil {
		return models.IRRResult{}, err
	}
	series, err := e.Series(ctx, level, entityID, asOf)
	if err != nil {
		return models.IRRResult{}, err
	}
	return e.solver.Solve(series), nil
}

// Series returns the cash-flow series for an entity: the collected ledger
// series for a fund, or the merged series of all children for an aggregate.
// Aggregation recurses uniformly, so the same merge-then-solve guarantee
// holds at every level.
func (e *Engine) Series(ctx context.Context, level models.Level, entityID string, asOf time.Time) (models.CashFlowSeries, error) {
	if !level.IsAggregate() {
		return e.collector.Collect(ctx, entityID, asOf)
	}

	children, err := e.hierarchy.Children(ctx, entityID)
	if err != nil {
		return models.CashFlowSeries{}, fmt.Errorf("enumerating children of %s %s: %w", level, entityID, err)
	}

	childSeries := make([]models.CashFlowSeries, 0, len(children))
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return models.CashFlowSeries{}, err
		}
		series, err := e.Series(ctx, child.Level, child.ID, asOf)
		if err != nil {
			// A child with zero activity contributes no events; that is
			// not an error for the aggregate. Anything else propagates.
			if errors.Is(err, collector.ErrEmptySeries) || errors.Is(err, ErrNoActiveChildren) {
				continue
			}
			return models.CashFlowSeries{}, err
		}
		childSeries = append(childSeries, series)
	}
	if len(childSeries) == 0 {
		return models.CashFlowSeries{}, fmt.Errorf("%s %s as of %s: %w",
			level, entityID, asOf.Format(utils.DefaultDateFormat), ErrNoActiveChildren)
	}

	return mergeSeries(level, entityID, asOf, childSeries), nil
}

// mergeSeries concatenates child events and sums amounts that fall on the
// same date. Child terminal valuations keep their own dates so each child's
// ending value is discounted over its true holding period; the latest one
// closes the merged series.
func mergeSeries(level models.Level, entityID string, asOf time.Time, children []models.CashFlowSeries) models.CashFlowSeries {
	type bucket struct {
		amount    decimal.Decimal
		kinds     []models.EventKind
		valuation bool
	}
	buckets := make(map[string]*bucket)
	for _, child := range children {
		for _, ev := range child.Events {
			key := ev.Date.Format(utils.DefaultDateFormat)
			b, exists := buckets[key]
			if !exists {
				b = &bucket{amount: decimal.Zero}
				buckets[key] = b
			}
			b.amount = b.amount.Add(ev.Amount)
			if len(ev.Netted) > 0 {
				b.kinds = append(b.kinds, ev.Netted...)
			} else {
				b.kinds = append(b.kinds, ev.Kind)
			}
			if ev.Kind == models.KindValuation {
				b.valuation = true
			}
		}
	}

	events := make([]models.CashFlowEvent, 0, len(buckets))
	for key, b := range buckets {
		date, _ := utils.ParseDate(key)
		ev := models.CashFlowEvent{Date: date, Amount: b.amount, Kind: b.kinds[0]}
		if b.valuation {
			ev.Kind = models.KindValuation
		}
		if len(b.kinds) > 1 {
			ev.Netted = b.kinds
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Date.Before(events[j].Date)
	})

	return models.CashFlowSeries{
		EntityID: entityID,
		Level:    level,
		AsOf:     asOf,
		Events:   events,
	}
}
