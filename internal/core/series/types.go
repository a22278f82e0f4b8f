package series

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fuel identifies a supply fuel type.
type Fuel string

const (
	FuelElectricity Fuel = "electricity"
	FuelGas         Fuel = "gas"
)

// ValidFuel reports whether f is a known fuel type.
func ValidFuel(f Fuel) bool {
	return f == FuelElectricity || f == FuelGas
}

// Metric identifies which quantity a series tracks.
type Metric string

const (
	MetricConsumption Metric = "consumption" // kWh
	MetricCost        Metric = "cost"        // NZD
)

// ID uniquely identifies one cumulative statistic series.
// There are exactly two series per fuel: consumption and cost.
type ID struct {
	Fuel   Fuel
	Metric Metric
}

func (id ID) String() string {
	return fmt.Sprintf("%s_%s", id.Fuel, id.Metric)
}

// Reading is one metered period as returned by the portal.
// Immutable once produced; ordered by PeriodStart.
type Reading struct {
	Fuel        Fuel
	PeriodStart time.Time
	PeriodEnd   time.Time
	Consumption decimal.Decimal // kWh
	Cost        decimal.Decimal // NZD
}

// Value returns the reading's delta for the given metric.
func (r Reading) Value(m Metric) decimal.Decimal {
	if m == MetricCost {
		return r.Cost
	}
	return r.Consumption
}

// StatisticPoint is one persisted point of a cumulative series.
// Invariant: Sum = previous point's Sum + Delta, non-decreasing in
// PeriodStart order. The store only ever extends a series at its
// forward edge, so the invariant holds by construction.
type StatisticPoint struct {
	PeriodStart time.Time
	Delta       decimal.Decimal
	Sum         decimal.Decimal
}
