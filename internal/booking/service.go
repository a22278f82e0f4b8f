package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/portal"
)

// Outcome reports what the portal decided about one submission.
// Rejections carry the portal's own wording untouched.
type Outcome struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Service resolves identifiers and submits Power Shout bookings.
type Service struct {
	client   *portal.Client
	resolver *Resolver
}

// NewService builds the booking service.
func NewService(client *portal.Client, resolver *Resolver) *Service {
	return &Service{client: client, resolver: resolver}
}

// Book submits one booking for start and durationHours. The submission is
// a single request, never retried: a retry after an ambiguous failure
// could double-book the credit.
func (s *Service) Book(ctx context.Context, start time.Time, durationHours int) (*Outcome, error) {
	if durationHours <= 0 {
		return nil, fmt.Errorf("duration must be a positive hour count, got %d", durationHours)
	}

	ids, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	sub := portal.BookingSubmission{
		LoyaltyAccountID:  ids.LoyaltyAccountID,
		SupplyAgreementID: ids.SupplyAgreementID,
		SupplyPointID:     ids.SupplyPointIDs[series.FuelElectricity],
		StartDate:         start.Format(time.RFC3339),
		DurationHours:     durationHours,
	}

	slog.Info("[Booking] Submitting booking",
		"start", sub.StartDate, "duration_hours", durationHours)

	raw, err := s.client.SubmitBooking(ctx, sub)
	if err != nil {
		var rejected *portal.BookingRejectedError
		if errors.As(err, &rejected) {
			slog.Warn("[Booking] Portal rejected booking",
				"status", rejected.StatusCode, "reason", rejected.Reason)
			return &Outcome{Accepted: false, Reason: rejected.Reason}, nil
		}
		return nil, err
	}

	slog.Info("[Booking] Booking accepted", "start", sub.StartDate)
	return &Outcome{Accepted: true, Raw: raw}, nil
}
