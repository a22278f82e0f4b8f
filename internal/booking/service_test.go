package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httperr "github.com/genesync-lab/genesync/internal/core/errors"
	"github.com/genesync-lab/genesync/internal/portal/portaltest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newBookingStack(t *testing.T, f *portaltest.Server) *Service {
	f.HandleJSON("/v2/private/billing/plans", plansBody)
	f.HandleJSON("/v2/private/powershoutcurrency/offers", offersBody)
	client := f.Client()
	return NewService(client, NewResolver(client))
}

func TestBook_SubmitsResolvedIdentifiers(t *testing.T) {
	f := portaltest.New(t)
	var submitted map[string]any
	f.Handle("/v2/private/powershoutcurrency/bookings", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &submitted))
		w.Write([]byte(`{"bookingId":"bk-7"}`))
	})

	svc := newBookingStack(t, f)
	start := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	outcome, err := svc.Book(context.Background(), start, 2)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)

	require.Equal(t, "la-1", submitted["loyaltyAccountId"])
	require.Equal(t, "sa-1", submitted["supplyAgreementId"])
	require.Equal(t, "sp-elec", submitted["supplyPointId"])
	require.Equal(t, "2026-09-01T18:00:00Z", submitted["startDate"])
	require.Equal(t, 2.0, submitted["durationHours"])
}

func TestBook_RejectionSurfacedVerbatimNotAsError(t *testing.T) {
	f := portaltest.New(t)
	f.Handle("/v2/private/powershoutcurrency/bookings", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"You are not eligible to book a Power Shout at this time."}`))
	})

	svc := newBookingStack(t, f)
	outcome, err := svc.Book(context.Background(), time.Now().Add(24*time.Hour), 1)
	require.NoError(t, err)
	require.False(t, outcome.Accepted)
	require.Equal(t, "You are not eligible to book a Power Shout at this time.", outcome.Reason)
}

func TestBook_RejectsNonPositiveDuration(t *testing.T) {
	f := portaltest.New(t)
	svc := newBookingStack(t, f)
	_, err := svc.Book(context.Background(), time.Now(), 0)
	require.Error(t, err)
}

func newBookingRouter(svc *Service, loc *time.Location) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, loc).Register(r.Group("/v1"))
	return r
}

func postBooking(router *gin.Engine, body string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(resp, req)
	return resp
}

func TestBookHandler_Accepted(t *testing.T) {
	f := portaltest.New(t)
	f.HandleJSON("/v2/private/powershoutcurrency/bookings", `{"bookingId":"bk-1"}`)
	router := newBookingRouter(newBookingStack(t, f), time.UTC)

	resp := postBooking(router, `{"start":"2026-09-01T18:00:00Z","duration_hours":1}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var outcome Outcome
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &outcome))
	require.True(t, outcome.Accepted)
}

func TestBookHandler_RejectionIs422WithPortalReason(t *testing.T) {
	f := portaltest.New(t)
	f.Handle("/v2/private/powershoutcurrency/bookings", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"Overlapping booking exists."}`))
	})
	router := newBookingRouter(newBookingStack(t, f), time.UTC)

	resp := postBooking(router, `{"start":"2026-09-01T18:00:00Z","duration_hours":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpBookingRejected, errResp.ErrorType)
	require.Equal(t, "Overlapping booking exists.", errResp.Details)
}

func TestBookHandler_ResolutionFailureIs502WithMissingList(t *testing.T) {
	f := portaltest.New(t)
	f.HandleJSON("/v2/private/billing/plans", `{}`)
	f.HandleJSON("/v2/private/powershoutcurrency/offers", `{}`)
	client := f.Client()
	router := newBookingRouter(NewService(client, NewResolver(client)), time.UTC)

	resp := postBooking(router, `{"start":"2026-09-01T18:00:00Z","duration_hours":1}`)
	require.Equal(t, http.StatusBadGateway, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpIdentifierError, errResp.ErrorType)
	require.NotEmpty(t, errResp.Details)
}

func TestBookHandler_LocalStartInterpretedInSupplyTimezone(t *testing.T) {
	f := portaltest.New(t)
	var submitted struct {
		StartDate string `json:"startDate"`
	}
	f.Handle("/v2/private/powershoutcurrency/bookings", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &submitted))
		w.Write([]byte(`{}`))
	})

	auckland, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)
	router := newBookingRouter(newBookingStack(t, f), auckland)

	resp := postBooking(router, `{"start":"2026-09-01T18:00:00","duration_hours":1}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "2026-09-01T18:00:00+12:00", submitted.StartDate)
}

func TestBookHandler_InvalidInput(t *testing.T) {
	f := portaltest.New(t)
	router := newBookingRouter(newBookingStack(t, f), time.UTC)

	cases := []struct {
		name string
		body string
	}{
		{"missing start", `{"duration_hours":1}`},
		{"garbled start", `{"start":"tomorrow evening","duration_hours":1}`},
		{"zero duration", `{"start":"2026-09-01T18:00:00Z","duration_hours":0}`},
		{"malformed json", `{nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postBooking(router, tc.body)
			require.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}
