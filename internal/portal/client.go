package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/tidwall/gjson"
)

const (
	brandHeader = "GENE"
	dateLayout  = "2006-01-02"

	// Transient connection failures are retried locally before surfacing.
	maxConnRetries   = 2
	connRetryBackoff = 500 * time.Millisecond
)

// Client issues authenticated calls against the portal's data API. All
// payloads are treated as untrusted and schema-fragile: every method
// returns the raw body alongside any parsed form.
type Client struct {
	baseURL  string
	sessions *SessionManager
	http     *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient builds a data-API client on top of a session manager.
// Per-request deadlines come from the caller's context; the underlying
// client timeout is only a safety net.
func NewClient(baseURL string, sessions *SessionManager) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: sessions,
		http:     &http.Client{Timeout: 60 * time.Second},
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sessions exposes the session manager so callers can invalidate after a
// 401-class widget failure.
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

// get issues an authenticated GET and returns the raw JSON body.
func (c *Client) get(ctx context.Context, path string, query url.Values, desc string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, desc)
}

// do issues one authenticated request. A 401 invalidates the session and
// surfaces ErrUnauthorized so the caller can retry once with a fresh
// session; transient connection errors are retried here with backoff.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, desc string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConnRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, time.Duration(attempt)*connRetryBackoff); err != nil {
				return nil, connErr(desc, err)
			}
			slog.Debug("[Portal] Retrying request", "widget", desc, "attempt", attempt)
		}

		raw, err := c.doOnce(ctx, method, path, query, body, desc)
		if err == nil {
			return raw, nil
		}
		if !IsConn(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, desc string) (json.RawMessage, error) {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return nil, fmt.Errorf("marshalling %s request: %w", desc, merr)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, connErr(desc, err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("brand-id", brandHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, connErr(desc, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		raw, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, connErr(desc, rerr)
		}
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.sessions.Invalidate()
		return nil, fmt.Errorf("%s: %w", desc, ErrUnauthorized)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return nil, connErrf(desc, "status %d: %s", resp.StatusCode, string(snippet))
	}
}

// ElectricityUsage fetches hourly electricity readings for [start, end].
func (c *Client) ElectricityUsage(ctx context.Context, start, end time.Time) (*UsageResponse, json.RawMessage, error) {
	payload := map[string]string{
		"startDate":    start.Format(dateLayout),
		"endDate":      end.Format(dateLayout),
		"intervalType": "HOURLY",
	}
	raw, err := c.do(ctx, http.MethodPost, "/v2/private/electricity/site-usage", nil, payload, "electricity usage")
	if err != nil {
		return nil, nil, err
	}
	return decodeUsage(raw, "electricity usage")
}

// GasUsage fetches hourly gas readings for [start, end].
func (c *Client) GasUsage(ctx context.Context, start, end time.Time) (*UsageResponse, json.RawMessage, error) {
	q := url.Values{
		"startDate":    {start.Format(dateLayout)},
		"endDate":      {end.Format(dateLayout)},
		"intervalType": {"HOURLY"},
	}
	raw, err := c.get(ctx, "/v2/private/naturalgas/advanced/usage", q, "gas usage")
	if err != nil {
		return nil, nil, err
	}
	return decodeUsage(raw, "gas usage")
}

func decodeUsage(raw json.RawMessage, desc string) (*UsageResponse, json.RawMessage, error) {
	var usage UsageResponse
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil, raw, connErrf(desc, "invalid JSON: %v", err)
	}
	return &usage, raw, nil
}

// UsageForFuel dispatches to the fuel's usage endpoint.
func (c *Client) UsageForFuel(ctx context.Context, fuel series.Fuel, start, end time.Time) (*UsageResponse, json.RawMessage, error) {
	if fuel == series.FuelGas {
		return c.GasUsage(ctx, start, end)
	}
	return c.ElectricityUsage(ctx, start, end)
}

// Power Shout widgets. Responses are returned raw; the portal reshapes
// these payloads without notice.

func (c *Client) PowerShoutInfo(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/powershoutcurrency", nil, "Power Shout info")
}

func (c *Client) PowerShoutBalance(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/powershoutcurrency/balance", nil, "Power Shout balance")
}

func (c *Client) PowerShoutBookings(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/powershoutcurrency/bookings", nil, "Power Shout bookings")
}

func (c *Client) PowerShoutOffers(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/powershoutcurrency/offers", nil, "Power Shout offers")
}

func (c *Client) PowerShoutExpiringHours(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/powershoutcurrency/expiringHours", nil, "Power Shout expiring hours")
}

// BillingPlans fetches the account's billing plans, the source of supply
// agreement and supply point identifiers.
func (c *Client) BillingPlans(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/billing/plans", nil, "billing plans")
}

// WidgetBillSummary fetches the dashboard bill summary widget.
func (c *Client) WidgetBillSummary(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/widgets/bill-summary", nil, "bill summary widget")
}

// WidgetSidekick fetches the billing-cycle summary widget.
func (c *Client) WidgetSidekick(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v2/private/widgets/sidekick", nil, "sidekick widget")
}

// SubmitBooking submits a Power Shout booking. Exactly one request per
// invocation: rejections surface as BookingRejectedError with the portal's
// reason verbatim and are never retried here, so a duplicate booking
// cannot be produced by this client.
func (c *Client) SubmitBooking(ctx context.Context, booking BookingSubmission) (json.RawMessage, error) {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(booking)
	if err != nil {
		return nil, fmt.Errorf("marshalling booking: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/private/powershoutcurrency/bookings", bytes.NewReader(payload))
	if err != nil {
		return nil, connErr("booking submission", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("brand-id", brandHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, connErr("booking submission", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.sessions.Invalidate()
		return nil, fmt.Errorf("booking submission: %w", ErrUnauthorized)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &BookingRejectedError{
			StatusCode: resp.StatusCode,
			Reason:     bookingRejectionReason(raw),
		}
	default:
		return nil, connErrf("booking submission", "status %d: %s", resp.StatusCode, string(raw))
	}
}

// bookingRejectionReason pulls the portal's stated reason out of a
// rejection body, falling back to the raw body when no known field is set.
func bookingRejectionReason(raw []byte) string {
	for _, field := range []string{"message", "error.message", "reason", "error"} {
		if v := gjson.GetBytes(raw, field); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return strings.TrimSpace(string(raw))
}
