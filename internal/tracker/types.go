package tracker

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Theme of the user interface.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// DefaultMilestoneColor is used when a milestone is created without a color.
const DefaultMilestoneColor = "#6366f1"

// SettingsID is the stable record id of the single settings record.
const SettingsID = "settings"

// Task is a unit of work with an optional parent milestone.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DueDate     time.Time `json:"due_date"`
	Priority    Priority  `json:"priority"`
	TimeSpent   int64     `json:"time_spent"` // seconds
	Completed   bool      `json:"completed"`
	MilestoneID string    `json:"milestone_id,omitempty"`
}

func (t Task) RecordID() string { return t.ID }

type Milestone struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	Color       string    `json:"color"`
}

func (m Milestone) RecordID() string { return m.ID }

type Settings struct {
	Theme         Theme     `json:"theme"`
	SemesterStart time.Time `json:"semester_start"`
	SemesterEnd   time.Time `json:"semester_end"`
}

func (s Settings) RecordID() string { return SettingsID }

// DefaultSettings returns the light theme and a semester window from 30 days
// before now to 60 days after.
func DefaultSettings(now time.Time) Settings {
	return Settings{
		Theme:         ThemeLight,
		SemesterStart: now.AddDate(0, 0, -30).UTC(),
		SemesterEnd:   now.AddDate(0, 0, 60).UTC(),
	}
}

// NewTask is the input for AddTask.
type NewTask struct {
	Name        string
	Description string
	DueDate     time.Time
	Priority    Priority
	MilestoneID string
}

// TaskPatch holds the fields UpdateTask changes; nil fields are left alone.
type TaskPatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	TimeSpent   *int64     `json:"time_spent,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	MilestoneID *string    `json:"milestone_id,omitempty"`
}

type NewMilestone struct {
	Name        string
	Date        time.Time
	Description string
	Color       string
}

type MilestonePatch struct {
	Name        *string    `json:"name,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	Description *string    `json:"description,omitempty"`
	Color       *string    `json:"color,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validColor(c string) bool {
	if len(c) != 4 && len(c) != 7 || c[0] != '#' {
		return false
	}
	return strings.Trim(strings.ToLower(c[1:]), "0123456789abcdef") == ""
}

// FormatTimeSpent renders a coarse human duration for seconds spent.
func FormatTimeSpent(seconds int64) string {
	if seconds <= 0 {
		return "Not started"
	}
	hours := int64(math.Round(float64(seconds) / 3600))
	switch hours {
	case 0:
		return "< 30 mins"
	case 1:
		return "~ 1 hour"
	}
	return fmt.Sprintf("~ %d hours", hours)
}

// DaysLeft counts whole days from now until due, negative once overdue.
func DaysLeft(due, now time.Time) int {
	return daysBetween(now, due)
}

// daysBetween returns the number of full days from a to b, truncated toward
// zero.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
