// Package analytics turns raw stored events into per-variant conversion
// metrics and point-in-time A/B test judgments.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/flagramp/flagramp/internal/store"
)

// EventSource provides the events to aggregate. Satisfied by
// store.SQLiteStore.
type EventSource interface {
	QueryEvents(ctx context.Context, flagKey string, from, to time.Time) ([]store.Event, error)
}

// DropOff is abandonment at a named onboarding step, expressed as a
// fraction of the variant's users.
type DropOff struct {
	Step string  `json:"step"`
	Rate float64 `json:"rate"`
}

// ConversionMetrics is a derived view over the event set for one
// (flagKey, variant) pair. Never persisted; recomputed per query window.
type ConversionMetrics struct {
	FlagKey string `json:"flag_key"`
	Variant string `json:"variant"`

	TotalUsers     int     `json:"total_users"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`

	// Mean duration_ms across conversion events that carry one.
	AvgTimeToConversionMS float64 `json:"avg_time_to_conversion_ms"`

	DropOffPoints []DropOff `json:"drop_off_points,omitempty"`

	TotalEvents int     `json:"total_events"`
	ErrorEvents int     `json:"error_events"`
	ErrorRate   float64 `json:"error_rate"`
}

// Service computes metrics and test results on demand.
type Service struct {
	events     EventSource
	thresholds Thresholds
}

func NewService(events EventSource, thresholds Thresholds) *Service {
	thresholds.applyDefaults()
	return &Service{events: events, thresholds: thresholds}
}

// ComputeMetrics fetches the flag's events in the window and aggregates
// them per variant.
func (s *Service) ComputeMetrics(ctx context.Context, flagKey string, from, to time.Time) ([]ConversionMetrics, error) {
	events, err := s.events.QueryEvents(ctx, flagKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return Aggregate(flagKey, events), nil
}

// Aggregate groups events by variant and computes conversion metrics. It is
// a pure function of its inputs: identical events always produce identical
// output. Variants appear in first-encountered order.
func Aggregate(flagKey string, events []store.Event) []ConversionMetrics {
	type variantAcc struct {
		users       map[string]bool
		converted   map[string]bool
		durationSum int64
		durationN   int
		abandons    map[string]int
		totalEvents int
		errorEvents int
	}

	var order []string
	groups := make(map[string]*variantAcc)

	for _, ev := range events {
		acc := groups[ev.Variant]
		if acc == nil {
			acc = &variantAcc{
				users:     make(map[string]bool),
				converted: make(map[string]bool),
				abandons:  make(map[string]int),
			}
			groups[ev.Variant] = acc
			order = append(order, ev.Variant)
		}

		acc.totalEvents++
		acc.users[ev.UserID] = true

		switch ev.Type {
		case store.EventConversion:
			acc.converted[ev.UserID] = true
			if ev.Context.DurationMS != nil {
				acc.durationSum += *ev.Context.DurationMS
				acc.durationN++
			}
		case store.EventOnboardingAbandon:
			if ev.Context.OnboardingStep != "" {
				acc.abandons[ev.Context.OnboardingStep]++
			}
		case store.EventError:
			acc.errorEvents++
		}
	}

	metrics := make([]ConversionMetrics, 0, len(order))
	for _, variant := range order {
		acc := groups[variant]
		m := ConversionMetrics{
			FlagKey:     flagKey,
			Variant:     variant,
			TotalUsers:  len(acc.users),
			Conversions: len(acc.converted),
			TotalEvents: acc.totalEvents,
			ErrorEvents: acc.errorEvents,
		}

		if m.TotalUsers > 0 {
			m.ConversionRate = float64(m.Conversions) / float64(m.TotalUsers)
		}
		if acc.durationN > 0 {
			m.AvgTimeToConversionMS = float64(acc.durationSum) / float64(acc.durationN)
		}
		if m.TotalEvents > 0 {
			m.ErrorRate = float64(m.ErrorEvents) / float64(m.TotalEvents)
		}

		for step, count := range acc.abandons {
			rate := 0.0
			if m.TotalUsers > 0 {
				rate = float64(count) / float64(m.TotalUsers)
			}
			m.DropOffPoints = append(m.DropOffPoints, DropOff{Step: step, Rate: rate})
		}
		sortDropOffs(m.DropOffPoints)

		metrics = append(metrics, m)
	}

	return metrics
}

func sortDropOffs(points []DropOff) {
	// Insertion sort by step name keeps output deterministic for the
	// handful of onboarding steps a flag has.
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Step < points[j-1].Step; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}
