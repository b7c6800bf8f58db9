// Package leitner implements the spaced-repetition engine: per-user box
// systems, due-item selection under per-box quotas, a two-strikes
// promotion/demotion policy, and synchronization of each user's review
// cron job with the scheduler.
package leitner

import (
	"fmt"
	"time"
)

// Settings is a user's box configuration. Box levels are 1-based; slice
// index i holds the value for box i+1.
type Settings struct {
	DailyLimit         int    `json:"daily_limit"`
	TotalBoxes         int    `json:"total_boxes"`
	BoxIntervals       []int  `json:"box_intervals"` // days until next review per box
	BoxQuotas          []int  `json:"box_quotas"`    // max due items drawn per box per pass
	AutoEntry          bool   `json:"auto_entry"`
	ReviewHour         int    `json:"review_hour"`           // 0-23, local to the user's zone
	ReviewIntervalDays int    `json:"review_interval_days"`  // 1 = daily
}

// DefaultSettings is what a lazily created system starts with.
func DefaultSettings() Settings {
	return Settings{
		DailyLimit:         20,
		TotalBoxes:         5,
		BoxIntervals:       []int{1, 2, 4, 8, 16},
		BoxQuotas:          []int{10, 8, 6, 4, 2},
		AutoEntry:          false,
		ReviewHour:         9,
		ReviewIntervalDays: 1,
	}
}

// interval returns the review interval in days for a box level. Levels
// beyond the table reuse the last entry.
func (s Settings) interval(box int) int {
	if len(s.BoxIntervals) == 0 {
		return 1
	}
	if box < 1 {
		box = 1
	}
	if box > len(s.BoxIntervals) {
		return s.BoxIntervals[len(s.BoxIntervals)-1]
	}
	return s.BoxIntervals[box-1]
}

// quota returns the per-pass cap for a box level; 0 or missing means
// uncapped.
func (s Settings) quota(box int) int {
	if box < 1 || box > len(s.BoxQuotas) {
		return 0
	}
	return s.BoxQuotas[box-1]
}

func (s Settings) validate() error {
	if s.DailyLimit < 1 {
		return fmt.Errorf("daily limit must be at least 1")
	}
	if s.TotalBoxes < 1 {
		return fmt.Errorf("total boxes must be at least 1")
	}
	if s.ReviewHour < 0 || s.ReviewHour > 23 {
		return fmt.Errorf("review hour %d out of range", s.ReviewHour)
	}
	if s.ReviewIntervalDays < 1 {
		return fmt.Errorf("review interval must be at least 1 day")
	}
	for i, d := range s.BoxIntervals {
		if d < 1 {
			return fmt.Errorf("box %d interval must be at least 1 day", i+1)
		}
	}
	for i, q := range s.BoxQuotas {
		if q < 0 {
			return fmt.Errorf("box %d quota must not be negative", i+1)
		}
	}
	return nil
}

// SettingsPatch is a partial settings update; nil fields keep the current
// value. Slice fields replace wholesale when non-nil.
type SettingsPatch struct {
	DailyLimit         *int
	TotalBoxes         *int
	BoxIntervals       []int
	BoxQuotas          []int
	AutoEntry          *bool
	ReviewHour         *int
	ReviewIntervalDays *int
}

func (p SettingsPatch) apply(s Settings) Settings {
	if p.DailyLimit != nil {
		s.DailyLimit = *p.DailyLimit
	}
	if p.TotalBoxes != nil {
		s.TotalBoxes = *p.TotalBoxes
	}
	if p.BoxIntervals != nil {
		s.BoxIntervals = p.BoxIntervals
	}
	if p.BoxQuotas != nil {
		s.BoxQuotas = p.BoxQuotas
	}
	if p.AutoEntry != nil {
		s.AutoEntry = *p.AutoEntry
	}
	if p.ReviewHour != nil {
		s.ReviewHour = *p.ReviewHour
	}
	if p.ReviewIntervalDays != nil {
		s.ReviewIntervalDays = *p.ReviewIntervalDays
	}
	return s
}

// Item is one tracked phrase inside a user's system.
type Item struct {
	UserID               string
	PhraseID             string
	BoxLevel             int
	NextReview           time.Time
	LastAttempt          time.Time
	ConsecutiveIncorrect int
	AddedAt              time.Time
}

// System is a user's settings plus item count bookkeeping.
type System struct {
	UserID    string
	Settings  Settings
	CreatedAt time.Time
	UpdatedAt time.Time
}
