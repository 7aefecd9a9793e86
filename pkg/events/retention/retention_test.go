package retention

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/events/storage"

	"github.com/jonboulle/clockwork"
)

var now = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

func seed(t *testing.T, s events.Storage, ages ...time.Duration) {
	t.Helper()
	ctx := context.Background()

	var exposures []events.ExposureEvent
	var conversions []events.ConversionEvent
	for i, age := range ages {
		ts := now.Add(-age)
		exposures = append(exposures, events.ExposureEvent{
			ID: "e" + string(rune('a'+i)), ExperimentID: "exp1", VariantID: "control", Timestamp: ts,
		})
		conversions = append(conversions, events.ConversionEvent{
			ID: "c" + string(rune('a'+i)), ExperimentID: "exp1", VariantID: "control", MetricID: "purchase", Timestamp: ts,
		})
	}
	if err := s.WriteExposures(ctx, exposures); err != nil {
		t.Fatalf("WriteExposures() error = %v", err)
	}
	if err := s.WriteConversions(ctx, conversions); err != nil {
		t.Fatalf("WriteConversions() error = %v", err)
	}
}

func remaining(t *testing.T, s events.Storage, kind events.Kind) []string {
	t.Helper()
	records, err := s.Query(context.Background(), &events.Query{Kind: kind, SortBy: "timestamp", SortOrder: "asc"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func TestPruner_Prune(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		name            string
		config          Config
		ages            []time.Duration
		wantExposures   []string
		wantConversions []string
		wantTotal       int64
	}{
		{
			name:            "age only",
			config:          Config{RetentionDays: 30},
			ages:            []time.Duration{40 * day, 31 * day, 29 * day, time.Hour},
			wantExposures:   []string{"ec", "ed"},
			wantConversions: []string{"cc", "cd"},
			wantTotal:       4,
		},
		{
			name:            "count only keeps newest",
			config:          Config{MaxRecords: 2},
			ages:            []time.Duration{4 * day, 3 * day, 2 * day, day},
			wantExposures:   []string{"ec", "ed"},
			wantConversions: []string{"cc", "cd"},
			wantTotal:       4,
		},
		{
			name:            "age then count",
			config:          Config{RetentionDays: 10, MaxRecords: 1},
			ages:            []time.Duration{20 * day, 3 * day, 2 * day},
			wantExposures:   []string{"ec"},
			wantConversions: []string{"cc"},
			wantTotal:       4,
		},
		{
			name:            "disabled",
			config:          Config{},
			ages:            []time.Duration{400 * day},
			wantExposures:   []string{"ea"},
			wantConversions: []string{"ca"},
			wantTotal:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			seed(t, store, tt.ages...)

			cfg := tt.config
			p := NewPruner(store, &cfg, WithClock(clockwork.NewFakeClockAt(now)))

			result, err := p.Prune(context.Background())
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if result.Total() != tt.wantTotal {
				t.Errorf("Total() = %d, want %d", result.Total(), tt.wantTotal)
			}
			if result.Exposures != result.Conversions {
				t.Errorf("kinds pruned unevenly: %+v", result)
			}

			if got := remaining(t, store, events.KindExposure); !equal(got, tt.wantExposures) {
				t.Errorf("exposures = %v, want %v", got, tt.wantExposures)
			}
			if got := remaining(t, store, events.KindConversion); !equal(got, tt.wantConversions) {
				t.Errorf("conversions = %v, want %v", got, tt.wantConversions)
			}
		})
	}
}

func TestPruner_ArchiveBeforeDelete(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, 100*24*time.Hour, time.Hour)

	dir := t.TempDir()
	p := NewPruner(store, &Config{
		RetentionDays:       90,
		ArchiveBeforeDelete: true,
		ArchivePath:         dir,
	}, WithClock(clockwork.NewFakeClockAt(now)))

	if _, err := p.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "exposure-age-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one exposure archive, got %v (err %v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var archived []events.Record
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatalf("archive is not valid JSON: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "ea" {
		t.Errorf("archived = %+v, want only ea", archived)
	}
}

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name        string
		schedule    string
		wantRunning bool
		wantError   bool
	}{
		{"valid daily schedule", "0 3 * * *", true, false},
		{"valid hourly schedule", "0 * * * *", true, false},
		{"empty schedule", "", false, false},
		{"invalid schedule", "invalid cron", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPruner(storage.NewMemoryStorage(), &Config{Schedule: tt.schedule, RetentionDays: 90})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := p.Start(ctx)
			if (err != nil) != tt.wantError {
				t.Fatalf("Start() error = %v, wantError %v", err, tt.wantError)
			}
			if p.scheduler.IsRunning() != tt.wantRunning {
				t.Fatalf("IsRunning() = %v, want %v", p.scheduler.IsRunning(), tt.wantRunning)
			}

			next := p.NextPruning()
			if tt.wantRunning {
				if next == nil || !next.After(time.Now()) {
					t.Errorf("NextPruning() = %v, want a future time", next)
				}
			} else if next != nil {
				t.Errorf("NextPruning() = %v, want nil", next)
			}

			p.Stop()
			if p.scheduler.IsRunning() {
				t.Error("scheduler still running after Stop")
			}
			p.Stop()
		})
	}
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	p := NewPruner(storage.NewMemoryStorage(), &Config{Schedule: "0 3 * * *"})

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for p.scheduler.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not stop after context cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("*/15 * * * *"); err != nil {
		t.Errorf("ValidateSchedule() error = %v", err)
	}
	if err := ValidateSchedule("61 * * * *"); err == nil {
		t.Error("expected error for minute 61")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
