package experiment

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Servable reports whether experiments in this state are held by the
// experiment store.
func (s Status) Servable() bool {
	return s == StatusRunning || s == StatusPaused
}

// Action is a lifecycle transition request.
type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionComplete Action = "complete"
)

// transitions maps (from, action) to the resulting status.
var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionStart: StatusRunning,
	},
	StatusRunning: {
		ActionPause:    StatusPaused,
		ActionComplete: StatusCompleted,
	},
	StatusPaused: {
		ActionResume:   StatusRunning,
		ActionComplete: StatusCompleted,
	},
}

// Next returns the status reached by applying action to from, and false when
// the transition is not allowed.
func Next(from Status, action Action) (Status, bool) {
	to, ok := transitions[from][action]
	return to, ok
}
