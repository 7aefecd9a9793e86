package experiment

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
		want   Status
		ok     bool
	}{
		{StatusDraft, ActionStart, StatusRunning, true},
		{StatusDraft, ActionPause, "", false},
		{StatusDraft, ActionComplete, "", false},
		{StatusRunning, ActionPause, StatusPaused, true},
		{StatusRunning, ActionComplete, StatusCompleted, true},
		{StatusRunning, ActionStart, "", false},
		{StatusRunning, ActionResume, "", false},
		{StatusPaused, ActionResume, StatusRunning, true},
		{StatusPaused, ActionComplete, StatusCompleted, true},
		{StatusPaused, ActionPause, "", false},
		{StatusCompleted, ActionStart, "", false},
		{StatusCompleted, ActionResume, "", false},
		{StatusCompleted, ActionComplete, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, ok := Next(tt.from, tt.action)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Next(%s, %s) = (%q, %v), want (%q, %v)", tt.from, tt.action, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStatus_Predicates(t *testing.T) {
	if !StatusCompleted.Terminal() {
		t.Error("completed should be terminal")
	}
	for _, s := range []Status{StatusDraft, StatusRunning, StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StatusRunning.Servable() || !StatusPaused.Servable() {
		t.Error("running and paused should be servable")
	}
	if StatusDraft.Servable() || StatusCompleted.Servable() {
		t.Error("draft and completed should not be servable")
	}
	if Status("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}
