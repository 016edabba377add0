// Package solver finds the annualized money-weighted rate of return of a
// cash-flow series: the discount rate that zeroes its net present value.
package solver

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/utils"
)

const (
	DefaultMaxIterations = 200

	// toleranceScale multiplies the largest absolute cash flow to give the
	// NPV convergence tolerance.
	toleranceScale = 1e-6

	// Rate search bounds: -99.99% to +1000% annualized.
	rateLowerBound = -0.9999
	rateUpperBound = 10.0

	// derivativeFloor guards Newton steps against near-zero derivatives.
	derivativeFloor = 1e-12

	// reportPrecision is basis-point resolution for the published rate.
	reportPrecision = 4
)

// flow is one cash movement positioned in Actual/365 years from the series
// start.
type flow struct {
	years  float64
	amount float64
}

type Solver struct {
	maxIterations int
}

func New(maxIterations int) *Solver {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Solver{maxIterations: maxIterations}
}

// Solve finds the annualized rate for the series. Failures that are a
// property of the data (too few events, no sign change, no convergence
// within the iteration ceiling) come back as a non-converged result with a
// reason code, never as an error.
func (s *Solver) Solve(series models.CashFlowSeries) models.IRRResult {
	if len(series.Events) < 2 {
		return models.NonConverged(series.Level, series.EntityID, series.AsOf, models.ReasonInsufficientEvents)
	}
	if !series.HasSignChange() {
		return models.NonConverged(series.Level, series.EntityID, series.AsOf, models.ReasonNoSignChange)
	}

	start := series.Events[0].Date
	flows := make([]flow, 0, len(series.Events))
	for _, ev := range series.Events {
		amt, _ := ev.Amount.Float64()
		flows = append(flows, flow{years: utils.YearFraction(start, ev.Date), amount: amt})
	}

	largest, _ := series.LargestAbsAmount().Float64()
	tolerance := toleranceScale * largest

	lo, hi, ok := bracket(flows)
	if !ok {
		return models.NonConverged(series.Level, series.EntityID, series.AsOf, models.ReasonNoSignChange)
	}

	rate, iterations, converged := s.refine(flows, lo, hi, tolerance)
	result := models.IRRResult{
		AsOfDate:   series.AsOf,
		Converged:  converged,
		Iterations: iterations,
		EntityID:   series.EntityID,
		Level:      series.Level,
	}
	if !converged {
		result.Reason = models.ReasonMaxIterations
		return result
	}
	rounded := utils.RoundFloat(rate, reportPrecision)
	result.Rate = decimal.NullDecimal{Decimal: decimal.NewFromFloat(rounded), Valid: true}
	return result
}

func npv(flows []flow, rate float64) float64 {
	var sum float64
	for _, f := range flows {
		sum += f.amount * math.Pow(1+rate, -f.years)
	}
	return sum
}

// npvDerivative is the analytic d(NPV)/d(rate).
func npvDerivative(flows []flow, rate float64) float64 {
	var sum float64
	for _, f := range flows {
		sum += f.amount * -f.years * math.Pow(1+rate, -f.years-1)
	}
	return sum
}

// bracket scans the bounded rate range for an interval where the NPV changes
// sign. The probe grid is dense near -100% where the NPV moves fastest.
func bracket(flows []flow) (lo, hi float64, ok bool) {
	probes := []float64{
		rateLowerBound, -0.999, -0.99, -0.95, -0.9, -0.75, -0.5, -0.25, -0.1,
		0, 0.1, 0.25, 0.5, 1, 2, 5, rateUpperBound,
	}
	prev := probes[0]
	prevNPV := npv(flows, prev)
	for _, probe := range probes[1:] {
		cur := npv(flows, probe)
		if prevNPV == 0 {
			return prev, prev, true
		}
		if (prevNPV < 0) != (cur < 0) {
			return prev, probe, true
		}
		prev, prevNPV = probe, cur
	}
	if prevNPV == 0 {
		return prev, prev, true
	}
	return 0, 0, false
}

// refine runs Newton-Raphson inside the bracket, falling back to bisection
// whenever a step escapes the bracket or the derivative collapses.
func (s *Solver) refine(flows []flow, lo, hi, tolerance float64) (rate float64, iterations int, converged bool) {
	loNPV := npv(flows, lo)
	rate = (lo + hi) / 2
	for i := 0; i < s.maxIterations; i++ {
		value := npv(flows, rate)
		if math.Abs(value) < tolerance {
			return rate, i + 1, true
		}

		// Shrink the bracket around the root.
		if (value < 0) == (loNPV < 0) {
			lo, loNPV = rate, value
		} else {
			hi = rate
		}

		next := rate
		if d := npvDerivative(flows, rate); math.Abs(d) > derivativeFloor {
			next = rate - value/d
		}
		if next <= lo || next >= hi || math.IsNaN(next) || math.IsInf(next, 0) {
			next = (lo + hi) / 2
		}
		rate = next
	}
	return rate, s.maxIterations, false
}
