// Package tracker implements tasks, milestones and settings on top of hybrid
// persistence slots.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cadence/internal/hybrid"
	"github.com/kalambet/cadence/internal/storage"
)

// Remotes holds the remote adapters per data category. Zero values mean
// local-only.
type Remotes struct {
	Tasks      hybrid.Remote[[]Task]
	Milestones hybrid.Remote[[]Milestone]
	Settings   hybrid.Remote[Settings]
}

// Service owns the three slots and serialises their local read-modify-write
// cycles. Remote saves run after the lock is released.
type Service struct {
	mu         sync.Mutex
	tasks      *hybrid.Slot[[]Task]
	milestones *hybrid.Slot[[]Milestone]
	settings   *hybrid.Slot[Settings]
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New wires the slots over cache. The settings default is computed from the
// clock at construction time.
func New(cache hybrid.Cache, remotes Remotes, conn hybrid.Connectivity, opts ...Option) *Service {
	s := &Service{now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	lo := hybrid.WithLogger(s.logger)
	s.tasks = hybrid.New(storage.KeyTasks, []Task{}, cache, remotes.Tasks, conn, lo)
	s.milestones = hybrid.New(storage.KeyMilestones, []Milestone{}, cache, remotes.Milestones, conn, lo)
	s.settings = hybrid.New(storage.KeySettings, DefaultSettings(s.now()), cache, remotes.Settings, conn, lo)
	return s
}

// Init loads all three slots. Remote failures only surface as slot status.
func (s *Service) Init(ctx context.Context) error {
	var errs []error
	for _, load := range []func(context.Context) error{s.tasks.Init, s.milestones.Init, s.settings.Init} {
		if err := load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncStatus reports each slot's sync state keyed by cache key.
func (s *Service) SyncStatus() map[string]hybrid.State {
	return map[string]hybrid.State{
		storage.KeyTasks:      s.tasks.State(),
		storage.KeyMilestones: s.milestones.State(),
		storage.KeySettings:   s.settings.State(),
	}
}

// ForceSync pulls every slot from the remote store in parallel and reports
// which pulls succeeded.
func (s *Service) ForceSync(ctx context.Context) map[string]bool {
	var okTasks, okMilestones, okSettings bool

	var g errgroup.Group
	g.Go(func() error { okTasks = s.tasks.ForceSync(ctx); return nil })
	g.Go(func() error { okMilestones = s.milestones.ForceSync(ctx); return nil })
	g.Go(func() error { okSettings = s.settings.ForceSync(ctx); return nil })
	g.Wait()

	return map[string]bool{
		storage.KeyTasks:      okTasks,
		storage.KeyMilestones: okMilestones,
		storage.KeySettings:   okSettings,
	}
}

// mutate runs a read-modify-commit cycle on slot under mu and releases mu
// before the remote phase. fn must not modify cur in place. An error from fn is returned
// unwrapped and nothing is committed.
func mutate[T any](ctx context.Context, mu *sync.Mutex, slot *hybrid.Slot[T], fn func(cur T) (T, error)) (hybrid.UpdateResult, error) {
	mu.Lock()
	next, err := fn(slot.Data())
	if err != nil {
		mu.Unlock()
		return hybrid.UpdateResult{}, err
	}
	p, err := slot.Commit(next)
	mu.Unlock()
	if err != nil {
		return p.Result(), err
	}
	return p.Push(ctx), nil
}

// --- tasks ---

func (s *Service) Tasks() []Task {
	return slices.Clone(s.tasks.Data())
}

func (s *Service) Task(id string) (Task, error) {
	for _, t := range s.tasks.Data() {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (s *Service) TasksByMilestone(milestoneID string) ([]Task, error) {
	if _, err := s.Milestone(milestoneID); err != nil {
		return nil, err
	}
	out := []Task{}
	for _, t := range s.tasks.Data() {
		if t.MilestoneID == milestoneID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ImminentTasks returns incomplete tasks, soonest due first.
func (s *Service) ImminentTasks() []Task {
	out := []Task{}
	for _, t := range s.tasks.Data() {
		if !t.Completed {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b Task) int { return a.DueDate.Compare(b.DueDate) })
	return out
}

// CompletedTasks returns completed tasks, latest due first.
func (s *Service) CompletedTasks() []Task {
	out := []Task{}
	for _, t := range s.tasks.Data() {
		if t.Completed {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b Task) int { return b.DueDate.Compare(a.DueDate) })
	return out
}

func (s *Service) AddTask(ctx context.Context, in NewTask) (Task, hybrid.UpdateResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Task{}, hybrid.UpdateResult{}, invalid("task name is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return Task{}, hybrid.UpdateResult{}, invalid("unknown priority %q", in.Priority)
	}
	if in.MilestoneID != "" {
		if _, err := s.Milestone(in.MilestoneID); err != nil {
			return Task{}, hybrid.UpdateResult{}, invalid("milestone %s does not exist", in.MilestoneID)
		}
	}

	t := Task{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		DueDate:     in.DueDate.UTC(),
		Priority:    in.Priority,
		MilestoneID: in.MilestoneID,
	}

	res, err := mutate(ctx, &s.mu, s.tasks, func(cur []Task) ([]Task, error) {
		return append(slices.Clone(cur), t), nil
	})
	if err != nil {
		return Task{}, res, fmt.Errorf("saving task: %w", err)
	}
	return t, res, nil
}

func (s *Service) RemoveTask(ctx context.Context, id string) (hybrid.UpdateResult, error) {
	res, err := mutate(ctx, &s.mu, s.tasks, func(cur []Task) ([]Task, error) {
		i := slices.IndexFunc(cur, func(t Task) bool { return t.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return slices.Delete(slices.Clone(cur), i, i+1), nil
	})
	if errors.Is(err, ErrNotFound) {
		return res, err
	}
	if err != nil {
		return res, fmt.Errorf("removing task: %w", err)
	}
	return res, nil
}

// UpdateTask applies p to the task with id.
func (s *Service) UpdateTask(ctx context.Context, id string, p TaskPatch) (Task, hybrid.UpdateResult, error) {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return Task{}, hybrid.UpdateResult{}, invalid("task name cannot be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return Task{}, hybrid.UpdateResult{}, invalid("unknown priority %q", *p.Priority)
	}
	if p.TimeSpent != nil && *p.TimeSpent < 0 {
		return Task{}, hybrid.UpdateResult{}, invalid("time spent cannot be negative")
	}
	if p.MilestoneID != nil && *p.MilestoneID != "" {
		if _, err := s.Milestone(*p.MilestoneID); err != nil {
			return Task{}, hybrid.UpdateResult{}, invalid("milestone %s does not exist", *p.MilestoneID)
		}
	}

	return s.modifyTask(ctx, id, func(t *Task) {
		if p.Name != nil {
			t.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.DueDate != nil {
			t.DueDate = p.DueDate.UTC()
		}
		if p.Priority != nil {
			t.Priority = *p.Priority
		}
		if p.TimeSpent != nil {
			t.TimeSpent = *p.TimeSpent
		}
		if p.Completed != nil {
			t.Completed = *p.Completed
		}
		if p.MilestoneID != nil {
			t.MilestoneID = *p.MilestoneID
		}
	})
}

func (s *Service) ToggleTask(ctx context.Context, id string) (Task, hybrid.UpdateResult, error) {
	return s.modifyTask(ctx, id, func(t *Task) { t.Completed = !t.Completed })
}

// LogTime adds seconds to the task's time spent.
func (s *Service) LogTime(ctx context.Context, id string, seconds int64) (Task, hybrid.UpdateResult, error) {
	if seconds <= 0 {
		return Task{}, hybrid.UpdateResult{}, invalid("seconds must be positive")
	}
	return s.modifyTask(ctx, id, func(t *Task) { t.TimeSpent += seconds })
}

func (s *Service) modifyTask(ctx context.Context, id string, fn func(*Task)) (Task, hybrid.UpdateResult, error) {
	var out Task
	res, err := mutate(ctx, &s.mu, s.tasks, func(cur []Task) ([]Task, error) {
		next := slices.Clone(cur)
		i := slices.IndexFunc(next, func(t Task) bool { return t.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		fn(&next[i])
		out = next[i]
		return next, nil
	})
	if errors.Is(err, ErrNotFound) {
		return Task{}, res, err
	}
	if err != nil {
		return Task{}, res, fmt.Errorf("saving task: %w", err)
	}
	return out, res, nil
}

// --- milestones ---

// Milestones returns all milestones ordered by date.
func (s *Service) Milestones() []Milestone {
	out := slices.Clone(s.milestones.Data())
	slices.SortStableFunc(out, func(a, b Milestone) int { return a.Date.Compare(b.Date) })
	return out
}

func (s *Service) Milestone(id string) (Milestone, error) {
	for _, m := range s.milestones.Data() {
		if m.ID == id {
			return m, nil
		}
	}
	return Milestone{}, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
}

func (s *Service) AddMilestone(ctx context.Context, in NewMilestone) (Milestone, hybrid.UpdateResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Milestone{}, hybrid.UpdateResult{}, invalid("milestone name is required")
	}
	if in.Date.IsZero() {
		return Milestone{}, hybrid.UpdateResult{}, invalid("milestone date is required")
	}
	if in.Color == "" {
		in.Color = DefaultMilestoneColor
	}
	if !validColor(in.Color) {
		return Milestone{}, hybrid.UpdateResult{}, invalid("color %q is not a hex color", in.Color)
	}

	m := Milestone{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Date:        in.Date.UTC(),
		Description: in.Description,
		Color:       in.Color,
	}

	res, err := mutate(ctx, &s.mu, s.milestones, func(cur []Milestone) ([]Milestone, error) {
		return append(slices.Clone(cur), m), nil
	})
	if err != nil {
		return Milestone{}, res, fmt.Errorf("saving milestone: %w", err)
	}
	return m, res, nil
}

// RemoveMilestone deletes the milestone. Tasks pointing at it keep their
// reference.
func (s *Service) RemoveMilestone(ctx context.Context, id string) (hybrid.UpdateResult, error) {
	res, err := mutate(ctx, &s.mu, s.milestones, func(cur []Milestone) ([]Milestone, error) {
		i := slices.IndexFunc(cur, func(m Milestone) bool { return m.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
		}
		return slices.Delete(slices.Clone(cur), i, i+1), nil
	})
	if errors.Is(err, ErrNotFound) {
		return res, err
	}
	if err != nil {
		return res, fmt.Errorf("removing milestone: %w", err)
	}
	return res, nil
}

func (s *Service) ToggleMilestone(ctx context.Context, id string) (Milestone, hybrid.UpdateResult, error) {
	return s.modifyMilestone(ctx, id, func(m *Milestone) { m.Completed = !m.Completed })
}

func (s *Service) UpdateMilestone(ctx context.Context, id string, p MilestonePatch) (Milestone, hybrid.UpdateResult, error) {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return Milestone{}, hybrid.UpdateResult{}, invalid("milestone name cannot be empty")
	}
	if p.Date != nil && p.Date.IsZero() {
		return Milestone{}, hybrid.UpdateResult{}, invalid("milestone date cannot be empty")
	}
	if p.Color != nil && !validColor(*p.Color) {
		return Milestone{}, hybrid.UpdateResult{}, invalid("color %q is not a hex color", *p.Color)
	}

	return s.modifyMilestone(ctx, id, func(m *Milestone) {
		if p.Name != nil {
			m.Name = strings.TrimSpace(*p.Name)
		}
		if p.Date != nil {
			m.Date = p.Date.UTC()
		}
		if p.Description != nil {
			m.Description = *p.Description
		}
		if p.Color != nil {
			m.Color = *p.Color
		}
		if p.Completed != nil {
			m.Completed = *p.Completed
		}
	})
}

func (s *Service) modifyMilestone(ctx context.Context, id string, fn func(*Milestone)) (Milestone, hybrid.UpdateResult, error) {
	var out Milestone
	res, err := mutate(ctx, &s.mu, s.milestones, func(cur []Milestone) ([]Milestone, error) {
		next := slices.Clone(cur)
		i := slices.IndexFunc(next, func(m Milestone) bool { return m.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
		}
		fn(&next[i])
		out = next[i]
		return next, nil
	})
	if errors.Is(err, ErrNotFound) {
		return Milestone{}, res, err
	}
	if err != nil {
		return Milestone{}, res, fmt.Errorf("saving milestone: %w", err)
	}
	return out, res, nil
}

// --- settings ---

func (s *Service) Settings() Settings {
	return s.settings.Data()
}

func (s *Service) ToggleTheme(ctx context.Context) (Settings, hybrid.UpdateResult, error) {
	var next Settings
	res, err := mutate(ctx, &s.mu, s.settings, func(cur Settings) (Settings, error) {
		next = cur
		if next.Theme == ThemeDark {
			next.Theme = ThemeLight
		} else {
			next.Theme = ThemeDark
		}
		return next, nil
	})
	if err != nil {
		return Settings{}, res, fmt.Errorf("saving settings: %w", err)
	}
	return next, res, nil
}

// SetSemesterDates replaces the semester window; end must follow start.
func (s *Service) SetSemesterDates(ctx context.Context, start, end time.Time) (Settings, hybrid.UpdateResult, error) {
	if start.IsZero() || end.IsZero() {
		return Settings{}, hybrid.UpdateResult{}, invalid("semester start and end are required")
	}
	if !end.After(start) {
		return Settings{}, hybrid.UpdateResult{}, invalid("semester end must be after start")
	}

	var next Settings
	res, err := mutate(ctx, &s.mu, s.settings, func(cur Settings) (Settings, error) {
		next = cur
		next.SemesterStart = start.UTC()
		next.SemesterEnd = end.UTC()
		return next, nil
	})
	if err != nil {
		return Settings{}, res, fmt.Errorf("saving settings: %w", err)
	}
	return next, res, nil
}

// --- overview ---

// MilestonePosition places a milestone on the semester timeline, in percent
// of the semester length.
type MilestonePosition struct {
	Milestone
	Position float64 `json:"position"`
	DaysLeft int     `json:"days_left"`
}

type Overview struct {
	SemesterStart   time.Time           `json:"semester_start"`
	SemesterEnd     time.Time           `json:"semester_end"`
	PercentComplete float64             `json:"percent_complete"`
	DaysRemaining   int                 `json:"days_remaining"`
	TotalTasks      int                 `json:"total_tasks"`
	CompletedTasks  int                 `json:"completed_tasks"`
	Milestones      []MilestonePosition `json:"milestones"`
}

// Overview summarises semester progress at now.
func (s *Service) Overview(now time.Time) Overview {
	st := s.settings.Data()
	total := daysBetween(st.SemesterStart, st.SemesterEnd)
	if total == 0 {
		total = 1
	}

	ov := Overview{
		SemesterStart:   st.SemesterStart,
		SemesterEnd:     st.SemesterEnd,
		PercentComplete: min(100, max(0, float64(daysBetween(st.SemesterStart, now))*100/float64(total))),
		DaysRemaining:   max(0, daysBetween(now, st.SemesterEnd)),
		Milestones:      []MilestonePosition{},
	}

	for _, t := range s.tasks.Data() {
		ov.TotalTasks++
		if t.Completed {
			ov.CompletedTasks++
		}
	}
	for _, m := range s.milestones.Data() {
		ov.Milestones = append(ov.Milestones, MilestonePosition{
			Milestone: m,
			Position:  float64(daysBetween(st.SemesterStart, m.Date)) * 100 / float64(total),
			DaysLeft:  DaysLeft(m.Date, now),
		})
	}
	slices.SortStableFunc(ov.Milestones, func(a, b MilestonePosition) int { return cmp.Compare(a.Position, b.Position) })
	return ov
}
