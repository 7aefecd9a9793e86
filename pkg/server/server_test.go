package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/engine"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/ratelimit"
	"mercator-hq/cohort/pkg/security/auth"

	"github.com/jonboulle/clockwork"
)

const definition = `{
	"id": "exp1",
	"name": "Checkout button",
	"variants": [
		{"id": "control", "name": "Blue", "weight": 50, "is_control": true},
		{"id": "green", "name": "Green", "weight": 50, "config": {"color": "green", "show_badge": true}}
	]
}`

type fixture struct {
	engine  *engine.Engine
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Retention.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	srv := NewServer(&cfg.Server, eng, WithLogger(logger))
	return &fixture{engine: eng, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestServer_ExperimentLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/experiments", definition)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	created := decode[experiment.Experiment](t, rec)
	if created.Status != experiment.StatusDraft || created.Version != 1 {
		t.Errorf("created = %s v%d, want draft v1", created.Status, created.Version)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/experiments/exp1" {
		t.Errorf("Location = %q", loc)
	}

	rec = f.do(t, http.MethodPost, "/v1/experiments/exp1/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decode[experiment.Experiment](t, rec); got.Status != experiment.StatusRunning {
		t.Errorf("status after start = %s", got.Status)
	}

	rec = f.do(t, http.MethodGet, "/v1/experiments/exp1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/experiments?status=running", "")
	list := decode[ListResponse](t, rec)
	if list.Count != 1 || list.Experiments[0].ID != "exp1" {
		t.Errorf("list = %+v, want exp1", list)
	}

	rec = f.do(t, http.MethodPost, "/v1/experiments/exp1/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/experiments/exp1/start", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("start completed status = %d, want 409", rec.Code)
	}
	rec = f.do(t, http.MethodPut, "/v1/experiments/exp1", definition)
	if rec.Code != http.StatusConflict {
		t.Errorf("update completed status = %d, want 409", rec.Code)
	}
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/experiments", definition)

	badWeights := strings.Replace(definition, `"weight": 50, "config"`, `"weight": 10, "config"`, 1)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantType   string
	}{
		{"malformed json", http.MethodPost, "/v1/experiments", "{", http.StatusBadRequest, ErrorTypeInvalidRequest},
		{"invalid definition", http.MethodPost, "/v1/experiments", badWeights, http.StatusUnprocessableEntity, ErrorTypeValidation},
		{"missing experiment", http.MethodGet, "/v1/experiments/nope", "", http.StatusNotFound, ErrorTypeNotFound},
		{"unknown action", http.MethodPost, "/v1/experiments/exp1/restart", "", http.StatusNotFound, ErrorTypeNotFound},
		{"illegal transition", http.MethodPost, "/v1/experiments/exp1/pause", "", http.StatusConflict, ErrorTypeConflict},
		{"stale version", http.MethodPut, "/v1/experiments/exp1", strings.Replace(definition, `"id": "exp1",`, `"id": "exp1", "version": 7,`, 1), http.StatusConflict, ErrorTypeConflict},
		{"id mismatch", http.MethodPut, "/v1/experiments/other", definition, http.StatusBadRequest, ErrorTypeInvalidRequest},
		{"bad status filter", http.MethodGet, "/v1/experiments?status=archived", "", http.StatusBadRequest, ErrorTypeInvalidRequest},
		{"assignment without experiment", http.MethodPost, "/v1/assignments", `{"context":{"userId":"u"}}`, http.StatusBadRequest, ErrorTypeInvalidRequest},
		{"conversion without subject", http.MethodPost, "/v1/conversions", `{"experiment_id":"exp1","metric_id":"m"}`, http.StatusBadRequest, ErrorTypeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", resp.Error.Type, tt.wantType)
			}
		})
	}
}

func TestServer_ValidationFields(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/experiments", `{"name":"x","variants":[]}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	resp := decode[ErrorResponse](t, rec)
	if len(resp.Error.Fields) == 0 || resp.Error.Fields[0].Field != "variants" {
		t.Errorf("fields = %+v, want a variants error", resp.Error.Fields)
	}
}

func TestServer_AssignAndConvert(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/experiments", definition)
	f.do(t, http.MethodPost, "/v1/experiments/exp1/start", "")

	body := `{"experiment_id":"exp1","context":{"userId":"user-42","attributes":{"plan":"pro"}}}`
	var first experiment.Assignment
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/assignments", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("assign status = %d, body %s", rec.Code, rec.Body)
		}
		a := decode[experiment.Assignment](t, rec)
		if !a.InExperiment {
			t.Fatalf("assignment = %+v, want in experiment", a)
		}
		if i == 0 {
			first = a
		} else if a.VariantID != first.VariantID {
			t.Fatalf("call %d variant = %s, want %s", i+1, a.VariantID, first.VariantID)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/conversions",
		`{"experiment_id":"exp1","metric_id":"purchase","context":{"userId":"user-42"},"revenue":19.99}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("conversion status = %d, body %s", rec.Code, rec.Body)
	}
	// Unassigned subjects are accepted and dropped.
	rec = f.do(t, http.MethodPost, "/v1/conversions",
		`{"experiment_id":"exp1","metric_id":"purchase","context":{"userId":"nobody"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("conversion status = %d", rec.Code)
	}

	if err := f.engine.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for kind, want := range map[events.Kind]int64{events.KindExposure: 1, events.KindConversion: 1} {
		n, err := f.engine.Events().Count(context.Background(), &events.Query{Kind: kind})
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if n != want {
			t.Errorf("%s count = %d, want %d", kind, n, want)
		}
	}
}

func TestServer_Explain(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/experiments", definition)

	rec := f.do(t, http.MethodPost, "/v1/experiments/exp1/explain", `{"context":{"userId":"user-42"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("explain status = %d, body %s", rec.Code, rec.Body)
	}
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["variant_id"] == nil || got["eligible"] != true {
		t.Errorf("explain = %v", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/experiments", "")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/experiments", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(logs.String(), "boom") {
		t.Error("panic not logged")
	}
}

func TestServer_MaxBody(t *testing.T) {
	f := newFixture(t)
	big := `{"experiment_id":"exp1","context":{"userId":"` + strings.Repeat("x", int(config.DefaultMaxBodyBytes)) + `"}}`

	rec := f.do(t, http.MethodPost, "/v1/assignments", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	srv := NewServer(&cfg.Server, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false after start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
}

func TestServer_Auth(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Retention.Enabled = false
	cfg.Server.Auth = config.AuthConfig{
		Enabled: true,
		Keys: []config.APIKeyConfig{
			{Name: "web", Key: "ck-web", Role: config.RoleClient},
			{Name: "ops", Key: "ak-ops", Role: config.RoleAdmin},
		},
	}

	eng, err := engine.New(cfg, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	authn, err := auth.FromConfig(cfg.Server.Auth)
	if err != nil {
		t.Fatalf("auth.FromConfig() error = %v", err)
	}
	handler := NewServer(&cfg.Server, eng,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuthenticator(authn),
	).Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		key        string
		wantStatus int
	}{
		{"assignment without key", http.MethodPost, "/v1/assignments", `{"experiment_id":"x","context":{"userId":"u"}}`, "", http.StatusUnauthorized},
		{"assignment with client key", http.MethodPost, "/v1/assignments", `{"experiment_id":"x","context":{"userId":"u"}}`, "ck-web", http.StatusOK},
		{"assignment with admin key", http.MethodPost, "/v1/assignments", `{"experiment_id":"x","context":{"userId":"u"}}`, "ak-ops", http.StatusOK},
		{"list with client key", http.MethodGet, "/v1/experiments", "", "ck-web", http.StatusForbidden},
		{"list with admin key", http.MethodGet, "/v1/experiments", "", "ak-ops", http.StatusOK},
		{"list with unknown key", http.MethodGet, "/v1/experiments", "", "guess", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestRateLimit_PerCaller(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.New(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, ratelimit.WithClock(clock))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RateLimit(limiter, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remote string, key *auth.KeyInfo) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/assignments", nil)
		req.RemoteAddr = remote
		if key != nil {
			req = req.WithContext(auth.WithKeyInfo(req.Context(), key))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("192.0.2.1:1000", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := send("192.0.2.1:2000", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if body := decode[ErrorResponse](t, rec); body.Error.Type != ErrorTypeRateLimited {
		t.Errorf("error type = %q", body.Error.Type)
	}

	if rec := send("192.0.2.2:1000", nil); rec.Code != http.StatusNoContent {
		t.Errorf("other IP status = %d, want 204", rec.Code)
	}
	web := &auth.KeyInfo{Name: "web", Role: auth.RoleClient}
	if rec := send("192.0.2.1:3000", web); rec.Code != http.StatusNoContent {
		t.Errorf("authenticated caller status = %d, want its own bucket", rec.Code)
	}
	if rec := send("192.0.2.9:3000", web); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same key from another IP status = %d, want 429", rec.Code)
	}

	clock.Advance(time.Second)
	if rec := send("192.0.2.1:4000", nil); rec.Code != http.StatusNoContent {
		t.Errorf("status after refill = %d, want 204", rec.Code)
	}
}

func TestRateLimit_MaxConcurrent(t *testing.T) {
	limiter := ratelimit.New(config.RateLimitConfig{MaxConcurrent: 1})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	nested := 0
	handler = RateLimit(limiter, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner := httptest.NewRecorder()
		handler.ServeHTTP(inner, httptest.NewRequest(http.MethodPost, "/v1/assignments", nil))
		nested = inner.Code
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/assignments", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("outer status = %d", rec.Code)
	}
	if nested != http.StatusServiceUnavailable {
		t.Errorf("nested status = %d, want 503 while the slot is held", nested)
	}
	if !limiter.Acquire() {
		t.Error("slot should be released after the request")
	}
}
