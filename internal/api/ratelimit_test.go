package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/betpool/pool-engine/internal/model"
)

func TestRateLimiter_PerClientBudget(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := hit("10.0.0.1:1000"); w.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, w.Code)
		}
	}
	w := hit("10.0.0.1:2000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once burst is spent, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if w := hit("10.0.0.2:1000"); w.Code != http.StatusNoContent {
		t.Errorf("other client should have its own budget, got %d", w.Code)
	}
}

func TestRateLimiter_DisabledPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	var nilLimiter *RateLimiter
	for name, h := range map[string]http.Handler{
		"nil":      nilLimiter.Middleware(next),
		"zero rps": NewRateLimiter(0, 1).Middleware(next),
	} {
		for i := 0; i < 20; i++ {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			if w.Code != http.StatusNoContent {
				t.Fatalf("%s: request %d limited with %d", name, i, w.Code)
			}
		}
	}
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiterFor("a")
	rl.limiterFor("b")
	now = now.Add(idleClientTTL + time.Second)
	rl.limiterFor("b")

	if _, ok := rl.clients["a"]; ok {
		t.Error("idle client a should have been swept")
	}
	if len(rl.clients) != 1 {
		t.Errorf("expected 1 client, got %d", len(rl.clients))
	}
}

// --- Error mapping ---

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrPoolNotFound, http.StatusNotFound},
		{model.ErrAccountNotFound, http.StatusNotFound},
		{model.ErrPoolClosed, http.StatusConflict},
		{model.ErrDuplicateWager, http.StatusConflict},
		{model.ErrInsufficientFunds, http.StatusPaymentRequired},
		{model.ErrInvalidAmount, http.StatusBadRequest},
		{model.ErrInvalidOutcome, http.StatusBadRequest},
		{model.ErrInvalidFixture, http.StatusBadRequest},
		{model.ErrExposureLimit, http.StatusUnprocessableEntity},
		{model.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{model.ErrInvariantViolation, http.StatusInternalServerError},
		{fmt.Errorf("settle p1: %w", model.ErrPoolNotReady), http.StatusConflict},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestWriteDomainError_ConflictSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	writeDomainError(w, model.ErrConcurrencyConflict)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After: 1, got %q", w.Header().Get("Retry-After"))
	}

	w = httptest.NewRecorder()
	writeDomainError(w, fmt.Errorf("pq: connection refused"))
	if w.Code != http.StatusInternalServerError || w.Body.String() != "{\"error\":\"internal error\"}\n" {
		t.Errorf("unexpected body for internal error: %d %s", w.Code, w.Body.String())
	}
}
