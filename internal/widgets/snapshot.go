package widgets

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

// BuildSnapshot distills the informational widget payloads into a flat
// attribute map. Payload access goes through explicit expected-field
// probes with the raw payload as the fallback; a reshaped portal payload
// degrades to missing attributes, never to a panic or a bogus value.
func BuildSnapshot(payloads map[Widget]json.RawMessage, now time.Time) map[string]any {
	attrs := make(map[string]any)

	if raw, ok := payloads[WidgetPowerShoutBalance]; ok {
		applyBalance(attrs, raw)
	}
	if raw, ok := payloads[WidgetPowerShoutOffers]; ok {
		applyOffers(attrs, raw)
	}
	if raw, ok := payloads[WidgetPowerShoutExpiring]; ok {
		applyExpiring(attrs, raw)
	}
	if raw, ok := payloads[WidgetPowerShoutBookings]; ok {
		applyBookings(attrs, raw, now)
	}
	if raw, ok := payloads[WidgetSidekick]; ok {
		applySidekick(attrs, raw)
	}
	if raw, ok := payloads[WidgetBillSummary]; ok {
		applyBillSummary(attrs, raw)
	}
	return attrs
}

func applyBalance(attrs map[string]any, raw json.RawMessage) {
	balance := gjson.GetBytes(raw, "balance")
	if !balance.Exists() || balance.Type != gjson.Number {
		return
	}
	attrs["powershout_balance_hours"] = balance.Float()
	attrs["powershout_eligible"] = balance.Float() > 0
}

func applyOffers(attrs map[string]any, raw json.RawMessage) {
	accepted := gjson.GetBytes(raw, "acceptedOffers")
	if accepted.IsArray() {
		attrs["accepted_offers_count"] = len(accepted.Array())
	}
	active := gjson.GetBytes(raw, "activeOffers")
	if !active.IsArray() {
		return
	}
	attrs["active_offers_count"] = len(active.Array())

	var names []string
	for _, offer := range active.Array() {
		if name := offer.Get("name"); name.Type == gjson.String && name.String() != "" {
			names = append(names, name.String())
		}
	}
	if len(names) > 0 {
		attrs["active_offer_names"] = names
	}
}

func applyExpiring(attrs map[string]any, raw json.RawMessage) {
	if title := gjson.GetBytes(raw, "expiringHoursMessage.title"); title.Type == gjson.String && title.String() != "" {
		attrs["expiring_hours_message"] = title.String()
	}
	if tooltip := gjson.GetBytes(raw, "messageTooltip"); tooltip.Type == gjson.String && tooltip.String() != "" {
		attrs["expiring_hours_tooltip"] = tooltip.String()
	}
}

func applyBookings(attrs map[string]any, raw json.RawMessage, now time.Time) {
	bookings := gjson.GetBytes(raw, "bookings")
	if !bookings.IsArray() {
		return
	}

	type upcoming struct {
		start    time.Time
		end      string
		duration float64
		hasDur   bool
	}
	var future []upcoming

	for _, b := range bookings.Array() {
		startStr := b.Get("startDate")
		if startStr.Type != gjson.String {
			continue
		}
		start, err := time.Parse(time.RFC3339, startStr.String())
		if err != nil || !start.After(now) {
			continue
		}
		u := upcoming{start: start}
		if end := b.Get("endDate"); end.Type == gjson.String {
			u.end = end.String()
		}
		if dur := b.Get("duration"); dur.Type == gjson.Number {
			u.duration = dur.Float()
			u.hasDur = true
		}
		future = append(future, u)
	}
	if len(future) == 0 {
		return
	}

	sort.Slice(future, func(i, j int) bool { return future[i].start.Before(future[j].start) })
	next := future[0]
	attrs["upcoming_bookings_count"] = len(future)
	attrs["next_booking_start"] = next.start.Format(time.RFC3339)
	if next.end != "" {
		attrs["next_booking_end"] = next.end
	}
	if next.hasDur {
		attrs["next_booking_duration_hours"] = next.duration
	}
}

func applySidekick(attrs map[string]any, raw json.RawMessage) {
	if usage := gjson.GetBytes(raw, "currentPeriod.usageToDate"); usage.Type == gjson.Number {
		attrs["billing_cycle_usage_to_date"] = usage.Float()
	}
	if est := gjson.GetBytes(raw, "currentPeriod.estimatedBill"); est.Type == gjson.Number {
		attrs["billing_cycle_estimated_bill"] = est.Float()
	}
	if ends := gjson.GetBytes(raw, "currentPeriod.endDate"); ends.Type == gjson.String {
		attrs["billing_cycle_end_date"] = ends.String()
	}
}

func applyBillSummary(attrs map[string]any, raw json.RawMessage) {
	if due := gjson.GetBytes(raw, "amountDue"); due.Type == gjson.Number {
		attrs["bill_amount_due"] = due.Float()
	}
	if date := gjson.GetBytes(raw, "dueDate"); date.Type == gjson.String {
		attrs["bill_due_date"] = date.String()
	}
}
