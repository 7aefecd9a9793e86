package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/config"

	"github.com/jonboulle/clockwork"
)

func TestChecker_Readiness(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errors.New("down") }

	tests := []struct {
		name     string
		critical map[string]CheckFunc
		optional map[string]CheckFunc
		want     string
	}{
		{name: "no checks", want: StatusReady},
		{name: "all ok", critical: map[string]CheckFunc{"repository": ok}, optional: map[string]CheckFunc{"feed": ok}, want: StatusReady},
		{name: "optional failure", critical: map[string]CheckFunc{"repository": ok}, optional: map[string]CheckFunc{"feed": fail}, want: StatusDegraded},
		{name: "critical failure", critical: map[string]CheckFunc{"repository": fail}, optional: map[string]CheckFunc{"feed": fail}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			for name, fn := range tt.critical {
				c.RegisterCheck(name, fn)
			}
			for name, fn := range tt.optional {
				c.RegisterOptional(name, fn)
			}

			status := c.CheckReadiness(context.Background())
			if status.Status != tt.want {
				t.Errorf("status = %q, want %q", status.Status, tt.want)
			}
			if len(status.Checks) != len(tt.critical)+len(tt.optional) {
				t.Errorf("expected %d results, got %d", len(tt.critical)+len(tt.optional), len(status.Checks))
			}
		})
	}
}

func TestChecker_Timeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	status := c.CheckReadiness(context.Background())
	result := status.Checks["slow"]
	if result.Status != StatusUnhealthy || result.Message != ErrCheckTimeout.Error() {
		t.Errorf("expected timeout result, got %+v", result)
	}
}

func TestChecker_RegisterAndUnregister(t *testing.T) {
	c := New(0)
	c.RegisterCheck("b", func(ctx context.Context) error { return nil })
	c.RegisterOptional("a", func(ctx context.Context) error { return nil })

	names := c.ListChecks()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected checks %v", names)
	}

	c.UnregisterCheck("a")
	if got := c.ListChecks(); len(got) != 1 {
		t.Errorf("expected 1 check after unregister, got %v", got)
	}
}

func TestChecker_UsesClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	c := NewWithClock(time.Second, clock)

	if got := c.CheckLiveness(context.Background()).Timestamp; !got.Equal(clock.Now()) {
		t.Errorf("expected timestamp from fake clock, got %v", got)
	}
}

func TestHandlers(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("repository", func(ctx context.Context) error { return errors.New("closed") })

	mux := http.NewServeMux()
	Mount(mux, c, config.HealthConfig{Enabled: true, LivenessPath: "/health", ReadinessPath: "/ready"}, "1.0.0", "abc", "now")

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodHead, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusServiceUnavailable},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode readiness body: %v", err)
	}
	if status.Checks["repository"].Message != "closed" {
		t.Errorf("expected check message in body, got %+v", status.Checks)
	}
}

func TestMount_Disabled(t *testing.T) {
	mux := http.NewServeMux()
	Mount(mux, New(time.Second), config.HealthConfig{Enabled: false}, "", "", "")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
}
