package experiment

import (
	"time"
)

// AllocationStrategy names the algorithm used to pick a variant for a subject.
type AllocationStrategy string

const (
	// StrategyFixed allocates by fixed variant weights.
	StrategyFixed AllocationStrategy = "fixed"

	// StrategyDynamic is reserved for weight schedules that change over time.
	StrategyDynamic AllocationStrategy = "dynamic"

	// StrategyBandit is reserved for adaptive multi-armed bandit allocation.
	StrategyBandit AllocationStrategy = "bandit"
)

// Valid reports whether the strategy is a known name. The empty strategy is
// valid and means StrategyFixed.
func (s AllocationStrategy) Valid() bool {
	switch s {
	case "", StrategyFixed, StrategyDynamic, StrategyBandit:
		return true
	default:
		return false
	}
}

// Experiment is a complete experiment definition as persisted in the
// experiments table and cached by the experiment store.
type Experiment struct {
	// Identity
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Status is only changed by the lifecycle manager.
	Status Status `json:"status" yaml:"status"`

	// Variants are walked in stored order during bucketing.
	Variants []Variant `json:"variants" yaml:"variants"`

	// Segments restrict eligibility. Segments are OR'd; an empty list means
	// every subject is eligible.
	Segments []Segment `json:"segments,omitempty" yaml:"segments,omitempty"`

	// Allocation
	Strategy AllocationStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Seed     uint32             `json:"seed" yaml:"seed"`

	// Timestamps
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at,omitempty"`

	// Version is incremented on every persisted change.
	Version int `json:"version" yaml:"version,omitempty"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Weight    float64 `json:"weight" yaml:"weight"`
	Config    Payload `json:"config,omitempty" yaml:"config,omitempty"`
	IsControl bool    `json:"is_control,omitempty" yaml:"is_control,omitempty"`
}

// SegmentOperator combines the conditions of a segment.
type SegmentOperator string

const (
	// SegmentAnd requires every condition to match.
	SegmentAnd SegmentOperator = "and"

	// SegmentOr requires at least one condition to match.
	SegmentOr SegmentOperator = "or"
)

// Segment is an eligibility rule tree of conditions.
type Segment struct {
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Operator   SegmentOperator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Conditions []Condition     `json:"conditions" yaml:"conditions"`
}

// Operator is a comparison operator used by a condition.
type Operator string

const (
	OperatorEquals    Operator = "equals"
	OperatorNotEquals Operator = "not_equals"
	OperatorContains  Operator = "contains"
	OperatorGT        Operator = "gt"
	OperatorLT        Operator = "lt"
	OperatorGTE       Operator = "gte"
	OperatorLTE       Operator = "lte"
	OperatorIn        Operator = "in"
	OperatorNotIn     Operator = "not_in"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorContains,
		OperatorGT, OperatorLT, OperatorGTE, OperatorLTE,
		OperatorIn, OperatorNotIn:
		return true
	default:
		return false
	}
}

// Numeric reports whether op compares values as numbers.
func (op Operator) Numeric() bool {
	switch op {
	case OperatorGT, OperatorLT, OperatorGTE, OperatorLTE:
		return true
	default:
		return false
	}
}

// Condition compares a field of the subject context with a value.
type Condition struct {
	// Field is a dot-separated path into the context attributes
	// (e.g. "plan", "geo.country"). "userId" and "sessionId" resolve to the
	// subject identifiers.
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// UserContext describes the subject requesting an assignment.
type UserContext struct {
	UserID     string         `json:"userId,omitempty" yaml:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// SubjectID returns the identifier used for bucketing: the user ID when set,
// otherwise the session ID.
func (c UserContext) SubjectID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.SessionID
}

// Snapshot returns a flat copy of the context suitable for persisting with
// an event. Attribute maps are copied one level deep.
func (c UserContext) Snapshot() map[string]any {
	snap := make(map[string]any, len(c.Attributes)+2)
	for k, v := range c.Attributes {
		snap[k] = v
	}
	if c.UserID != "" {
		snap["userId"] = c.UserID
	}
	if c.SessionID != "" {
		snap["sessionId"] = c.SessionID
	}
	return snap
}

// Control returns the variant flagged as control, or nil.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given ID, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the experiment.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}

	c := *e

	if e.Variants != nil {
		c.Variants = make([]Variant, len(e.Variants))
		for i, v := range e.Variants {
			v.Config = v.Config.Clone()
			c.Variants[i] = v
		}
	}

	if e.Segments != nil {
		c.Segments = make([]Segment, len(e.Segments))
		for i, s := range e.Segments {
			s.Conditions = append([]Condition(nil), s.Conditions...)
			c.Segments[i] = s
		}
	}

	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}

	return &c
}
