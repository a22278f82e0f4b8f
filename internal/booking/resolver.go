package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/portal"
	"github.com/tidwall/gjson"
)

// Identifiers is the account-level identity a booking submission needs.
// The portal never hands these out directly; they are mined from the
// billing-plan and offer payloads.
type Identifiers struct {
	LoyaltyAccountID  string
	SupplyAgreementID string

	// SupplyPointIDs maps each fuel to its supply point. Electricity is
	// required for a booking; gas is resolved opportunistically.
	SupplyPointIDs map[series.Fuel]string
}

// MissingIdentifier names one identifier that could not be resolved and
// the widget payload it was expected in.
type MissingIdentifier struct {
	Identifier string `json:"identifier"`
	Widget     string `json:"widget"`
}

// ResolutionError reports every identifier that failed to resolve, so a
// portal schema change shows up as a named field, not an opaque failure.
type ResolutionError struct {
	Missing []MissingIdentifier
}

func (e *ResolutionError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s (expected in %s)", m.Identifier, m.Widget)
	}
	return "could not resolve account identifiers: " + strings.Join(parts, ", ")
}

// Resolver discovers and caches account identifiers. The cache lives for
// the process lifetime of the configured account and is only replaced by
// a later fully successful resolution.
type Resolver struct {
	client *portal.Client

	mu     sync.Mutex
	cached *Identifiers
}

// NewResolver builds a resolver over the portal client.
func NewResolver(client *portal.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the cached identifiers or mines them from the billing
// plans and offer payloads. Partial results are never cached: a schema
// change should keep failing loudly until the portal looks whole again.
func (r *Resolver) Resolve(ctx context.Context) (*Identifiers, error) {
	r.mu.Lock()
	if r.cached != nil {
		ids := r.cached
		r.mu.Unlock()
		return ids, nil
	}
	r.mu.Unlock()

	ids, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = ids
	r.mu.Unlock()
	slog.Info("[Booking] Account identifiers resolved",
		"supply_agreement_id", ids.SupplyAgreementID,
		"supply_points", len(ids.SupplyPointIDs))
	return ids, nil
}

// Invalidate drops the cache so the next Resolve re-mines the payloads.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context) (*Identifiers, error) {
	ids := &Identifiers{SupplyPointIDs: make(map[series.Fuel]string)}
	var missing []MissingIdentifier

	plans, err := r.client.BillingPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching billing plans: %w", err)
	}
	r.minePlans(plans, ids)

	if ids.SupplyAgreementID == "" {
		missing = append(missing, MissingIdentifier{Identifier: "supplyAgreementId", Widget: "billing_plans"})
	}
	if _, ok := ids.SupplyPointIDs[series.FuelElectricity]; !ok {
		missing = append(missing, MissingIdentifier{Identifier: "supplyPointId[electricity]", Widget: "billing_plans"})
	}

	offers, err := r.client.PowerShoutOffers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching offers: %w", err)
	}
	if id := gjson.GetBytes(offers, "loyaltyAccountId"); id.Exists() {
		ids.LoyaltyAccountID = id.String()
	}
	if ids.LoyaltyAccountID == "" {
		missing = append(missing, MissingIdentifier{Identifier: "loyaltyAccountId", Widget: "powershout_offers"})
	}

	if len(missing) > 0 {
		return nil, &ResolutionError{Missing: missing}
	}
	return ids, nil
}

// minePlans walks the billing-plan payload for the agreement and supply
// point identifiers. Field presence is probed, never assumed.
func (r *Resolver) minePlans(plans []byte, ids *Identifiers) {
	gjson.GetBytes(plans, "plans").ForEach(func(_, plan gjson.Result) bool {
		if ids.SupplyAgreementID == "" {
			if agreement := plan.Get("supplyAgreementId"); agreement.Exists() {
				ids.SupplyAgreementID = agreement.String()
			}
		}
		plan.Get("supplyPoints").ForEach(func(_, sp gjson.Result) bool {
			fuel := series.Fuel(strings.ToLower(sp.Get("fuelType").String()))
			id := sp.Get("supplyPointId").String()
			if id == "" || !series.ValidFuel(fuel) {
				return true
			}
			if _, seen := ids.SupplyPointIDs[fuel]; !seen {
				ids.SupplyPointIDs[fuel] = id
			}
			return true
		})
		return true
	})
}
