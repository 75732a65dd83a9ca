package store

import "time"

// EventType enumerates the behavioral events the product emits.
type EventType string

const (
	EventFlagAssignment      EventType = "flag_assignment"
	EventOnboardingStart     EventType = "onboarding_start"
	EventOnboardingStep      EventType = "onboarding_step"
	EventOnboardingComplete  EventType = "onboarding_complete"
	EventOnboardingAbandon   EventType = "onboarding_abandon"
	EventFormValidationError EventType = "form_validation_error"
	EventHelpRequested       EventType = "help_requested"
	EventSkipStep            EventType = "skip_step"
	EventConversion          EventType = "conversion"
	EventEngagement          EventType = "engagement"
	EventError               EventType = "error"
	EventPerformance         EventType = "performance"
)

var eventTypes = map[EventType]bool{
	EventFlagAssignment:      true,
	EventOnboardingStart:     true,
	EventOnboardingStep:      true,
	EventOnboardingComplete:  true,
	EventOnboardingAbandon:   true,
	EventFormValidationError: true,
	EventHelpRequested:       true,
	EventSkipStep:            true,
	EventConversion:          true,
	EventEngagement:          true,
	EventError:               true,
	EventPerformance:         true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool { return eventTypes[t] }

// EventContext carries the optional attributes of an event.
// Stored as a single JSON column.
type EventContext struct {
	Role           string         `json:"role,omitempty"`
	OnboardingStep string         `json:"onboarding_step,omitempty"`
	StepIndex      *int           `json:"step_index,omitempty"`
	DurationMS     *int64         `json:"duration_ms,omitempty"`
	ErrorText      string         `json:"error_text,omitempty"`
	DeviceType     string         `json:"device_type,omitempty"`
	Country        string         `json:"country,omitempty"`
	Custom         map[string]any `json:"custom,omitempty"`
}

// Event is an immutable behavioral fact. Events are write-once: they are
// never mutated after creation.
type Event struct {
	ID        int64        `json:"id,omitempty"`
	Type      EventType    `json:"type"`
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id"`
	FlagKey   string       `json:"flag_key"`
	Variant   string       `json:"variant"`
	Timestamp int64        `json:"ts"` // epoch millis
	Context   EventContext `json:"context,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// RolloutState is the lifecycle state of a rollout.
type RolloutState string

const (
	StateActive     RolloutState = "active"
	StatePaused     RolloutState = "paused"
	StateCompleted  RolloutState = "completed"
	StateRolledBack RolloutState = "rolled_back"
	StateFailed     RolloutState = "failed"
)

// Terminal reports whether the state has no outgoing transitions.
func (s RolloutState) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack || s == StateFailed
}

// RolloutConfig is operator-authored and immutable once the rollout starts.
type RolloutConfig struct {
	FlagKey string `json:"flag_key" validate:"required"`
	Variant string `json:"variant" validate:"required"`

	InitialPercentage   float64 `json:"initial_percentage" validate:"gte=0,lte=100"`
	TargetPercentage    float64 `json:"target_percentage" validate:"gte=0,lte=100"`
	IncrementPercentage float64 `json:"increment_percentage" validate:"gt=0,lte=50"`
	IncrementIntervalH  int     `json:"increment_interval_hours" validate:"gte=1"`

	MinSampleSize     int     `json:"min_sample_size" validate:"gte=0"`
	MaxErrorRate      float64 `json:"max_error_rate" validate:"gte=0,lte=1"`
	MinConversionRate float64 `json:"min_conversion_rate" validate:"gte=0,lte=1"`

	MaxErrorRateSpike     float64 `json:"max_error_rate_spike" validate:"gte=0,lte=1"`
	MinConversionRateDrop float64 `json:"min_conversion_rate_drop" validate:"gte=0,lte=1"`
	MaxUserComplaints     int     `json:"max_user_complaints" validate:"gte=0"`

	CreatedBy string `json:"created_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IncrementInterval returns the configured interval as a duration.
func (c RolloutConfig) IncrementInterval() time.Duration {
	return time.Duration(c.IncrementIntervalH) * time.Hour
}

// RolloutStats is a point-in-time metrics snapshot for the rollout's
// target variant over the controller's trailing window.
type RolloutStats struct {
	TotalUsers     int       `json:"total_users"`
	Conversions    int       `json:"conversions"`
	ConversionRate float64   `json:"conversion_rate"`
	ErrorRate      float64   `json:"error_rate"`
	FeedbackScore  float64   `json:"feedback_score"`
	Complaints     int       `json:"complaints"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// IncrementRecord is one entry in a rollout's append-only audit history.
type IncrementRecord struct {
	At             time.Time     `json:"at"`
	FromPercentage float64       `json:"from_percentage"`
	ToPercentage   float64       `json:"to_percentage"`
	FromState      RolloutState  `json:"from_state"`
	ToState        RolloutState  `json:"to_state"`
	Reason         string        `json:"reason"`
	Stats          *RolloutStats `json:"stats,omitempty"`
}

// NextIncrement is the scheduled next widening step, absent when none is due.
type NextIncrement struct {
	At         time.Time `json:"at"`
	Percentage float64   `json:"percentage"`
}

// RolloutStatus is the mutable state of one running rollout. Mutated only
// by the rollout controller; history is append-only.
type RolloutStatus struct {
	State             RolloutState
	CurrentPercentage float64
	CurrentStats      *RolloutStats
	NextIncrement     *NextIncrement
	History           []IncrementRecord
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Rollout pairs a config with its one status for the rollout's lifetime.
type Rollout struct {
	ID     string
	Config RolloutConfig
	Status RolloutStatus
}

// VariantPercentage is one row of the flag distribution table consumed by
// the external flag-serving component.
type VariantPercentage struct {
	FlagKey    string    `json:"flag_key"`
	Variant    string    `json:"variant"`
	Percentage float64   `json:"percentage"`
	UpdatedAt  time.Time `json:"updated_at"`
}
