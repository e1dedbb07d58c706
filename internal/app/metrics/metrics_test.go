package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/v1", "/v1"},
		{"/v1/projects", "/v1/projects"},
		{"/v1/projects/save-the-bees", "/v1/projects/:id"},
		{"/v1/projects/save-the-bees/donations", "/v1/projects/:id/donations"},
		{"/v1/projects/save-the-bees/funders", "/v1/projects/:id/funders"},
		{"/v1/rewards/alice", "/v1/rewards/:identity"},
		{"/v1/treasury/platform", "/v1/treasury/platform"},
		{"/v1/events/recent", "/v1/events/recent"},
		{"/v1/stats", "/v1/stats"},
	}

	for _, tc := range cases {
		if got := canonicalPath(tc.raw); got != tc.want {
			t.Errorf("canonicalPath(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestInstrumentHandler(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	InstrumentHandler(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/projects", nil))

	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q, want 'ok'", rr.Body.String())
	}
}

func TestInstrumentHandlerBypassesMetricsPath(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rr := httptest.NewRecorder()
	InstrumentHandler(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("inner handler should be reached for /metrics")
	}
}

func TestRecorders(t *testing.T) {
	// Should not panic
	RecordOperation("donate", 5*time.Millisecond, nil)
	RecordOperation("donate", 0, errors.New("rejected"))
	RecordDonationSplit(495, 5)
	RecordCreationFee(10)
	RecordWithdrawal(1089)
	RecordRefund(495)
	RecordProjectTransition(TransitionCreated)
	RecordProjectTransition("")
	AddEscrowHeld(495)
	SubEscrowHeld(495)
	RecordDeadlineSweep(3)
	RecordDeadlineSweep(0)
}

func TestHandlerServesRegistry(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Error("metrics body should not be empty")
	}
}
