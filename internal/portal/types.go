package portal

import (
	"fmt"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/shopspring/decimal"
)

// UsageResponse is the shape shared by the electricity and gas usage
// endpoints. Fields the engine does not consume are left in the raw
// payload captured alongside the parsed form.
type UsageResponse struct {
	Usage []UsageEntry `json:"usage"`
}

// UsageEntry is one metered period from a usage endpoint.
type UsageEntry struct {
	StartDate string  `json:"startDate"`
	EndDate   string  `json:"endDate"`
	KW        float64 `json:"kw"`
	CostNZD   float64 `json:"costNZD"`
}

// Reading converts an entry into a domain reading. Entries with a missing
// or malformed startDate are rejected; the caller skips them.
func (e UsageEntry) Reading(fuel series.Fuel) (series.Reading, error) {
	start, err := time.Parse(time.RFC3339, e.StartDate)
	if err != nil {
		return series.Reading{}, fmt.Errorf("invalid startDate %q: %w", e.StartDate, err)
	}
	end := start.Add(time.Hour)
	if e.EndDate != "" {
		if parsed, perr := time.Parse(time.RFC3339, e.EndDate); perr == nil {
			end = parsed
		}
	}
	return series.Reading{
		Fuel:        fuel,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Consumption: decimal.NewFromFloat(e.KW),
		Cost:        decimal.NewFromFloat(e.CostNZD),
	}, nil
}

// Readings converts the whole response, dropping malformed entries and
// reporting how many were skipped.
func (r *UsageResponse) Readings(fuel series.Fuel) (readings []series.Reading, skipped int) {
	for _, e := range r.Usage {
		rd, err := e.Reading(fuel)
		if err != nil {
			skipped++
			continue
		}
		readings = append(readings, rd)
	}
	return readings, skipped
}

// BookingSubmission is the payload for the Power Shout booking endpoint.
type BookingSubmission struct {
	LoyaltyAccountID  string `json:"loyaltyAccountId"`
	SupplyAgreementID string `json:"supplyAgreementId"`
	SupplyPointID     string `json:"supplyPointId"`
	StartDate         string `json:"startDate"`
	DurationHours     int    `json:"durationHours"`
}

// tokenResponse is the B2C token endpoint's success body.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}
