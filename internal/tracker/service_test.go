package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/cadence/internal/hybrid"
	"github.com/kalambet/cadence/internal/storage"
)

var ctx = context.Background()

type flag struct{ v atomic.Bool }

func (f *flag) Online() bool { return f.v.Load() }

func online(v bool) *flag {
	f := &flag{}
	f.v.Store(v)
	return f
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newService(t *testing.T, store *storage.Store, remotes Remotes, conn hybrid.Connectivity) *Service {
	t.Helper()
	s := New(store, remotes, conn, WithClock(func() time.Time { return fixedNow }))
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestDefaults(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	if got := s.Tasks(); len(got) != 0 {
		t.Errorf("Tasks() = %v, want empty", got)
	}
	st := s.Settings()
	if st.Theme != ThemeLight {
		t.Errorf("Theme = %q, want light", st.Theme)
	}
	if !st.SemesterStart.Equal(fixedNow.AddDate(0, 0, -30)) || !st.SemesterEnd.Equal(fixedNow.AddDate(0, 0, 60)) {
		t.Errorf("semester = %v..%v", st.SemesterStart, st.SemesterEnd)
	}
}

func TestAddTask_PersistsAcrossRestart(t *testing.T) {
	store := openStore(t)
	s := newService(t, store, Remotes{}, online(true))

	task, res, err := s.AddTask(ctx, NewTask{Name: "  Write essay ", DueDate: fixedNow.AddDate(0, 0, 3)})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID == "" || task.Name != "Write essay" || task.Priority != PriorityMedium {
		t.Errorf("task = %+v", task)
	}
	if !res.Durable || res.Remote != hybrid.RemoteNotConfigured {
		t.Errorf("result = %+v", res)
	}

	again := newService(t, store, Remotes{}, online(true))
	got, err := again.Task(task.ID)
	if err != nil {
		t.Fatalf("Task after restart: %v", err)
	}
	if got.Name != "Write essay" {
		t.Errorf("Name = %q", got.Name)
	}
}

func TestAddTask_Validation(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	cases := []NewTask{
		{Name: "   "},
		{Name: "x", Priority: "urgent"},
		{Name: "x", MilestoneID: "missing"},
	}
	for _, in := range cases {
		if _, _, err := s.AddTask(ctx, in); !errors.Is(err, ErrInvalid) {
			t.Errorf("AddTask(%+v) error = %v, want ErrInvalid", in, err)
		}
	}
	if len(s.Tasks()) != 0 {
		t.Error("invalid input still created a task")
	}
}

func TestTaskOperations(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	a, _, _ := s.AddTask(ctx, NewTask{Name: "a", DueDate: fixedNow.AddDate(0, 0, 5)})
	b, _, _ := s.AddTask(ctx, NewTask{Name: "b", DueDate: fixedNow.AddDate(0, 0, 1)})
	c, _, _ := s.AddTask(ctx, NewTask{Name: "c", DueDate: fixedNow.AddDate(0, 0, 9)})

	if _, _, err := s.ToggleTask(ctx, c.ID); err != nil {
		t.Fatalf("ToggleTask: %v", err)
	}
	got, _, err := s.LogTime(ctx, a.ID, 5400)
	if err != nil {
		t.Fatalf("LogTime: %v", err)
	}
	if got.TimeSpent != 5400 {
		t.Errorf("TimeSpent = %d", got.TimeSpent)
	}
	if _, _, err := s.LogTime(ctx, a.ID, 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("LogTime(0) error = %v, want ErrInvalid", err)
	}

	imminent := s.ImminentTasks()
	if len(imminent) != 2 || imminent[0].ID != b.ID || imminent[1].ID != a.ID {
		t.Errorf("ImminentTasks order = %v", imminent)
	}
	done := s.CompletedTasks()
	if len(done) != 1 || done[0].ID != c.ID {
		t.Errorf("CompletedTasks = %v", done)
	}

	name := "renamed"
	prio := PriorityHigh
	upd, _, err := s.UpdateTask(ctx, b.ID, TaskPatch{Name: &name, Priority: &prio})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if upd.Name != "renamed" || upd.Priority != PriorityHigh || !upd.DueDate.Equal(b.DueDate) {
		t.Errorf("UpdateTask = %+v", upd)
	}

	if _, err := s.RemoveTask(ctx, b.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := s.Task(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Task after remove error = %v, want ErrNotFound", err)
	}
	if _, err := s.RemoveTask(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveTask error = %v, want ErrNotFound", err)
	}
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))
	s.AddTask(ctx, NewTask{Name: "a"})

	got := s.Tasks()
	got[0].Name = "mutated"
	if s.Tasks()[0].Name != "a" {
		t.Error("mutating the returned slice changed service state")
	}
}

func TestMilestones(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	late, _, err := s.AddMilestone(ctx, NewMilestone{Name: "Final", Date: fixedNow.AddDate(0, 0, 50)})
	if err != nil {
		t.Fatalf("AddMilestone: %v", err)
	}
	if late.Color != DefaultMilestoneColor {
		t.Errorf("Color = %q, want default", late.Color)
	}
	early, _, _ := s.AddMilestone(ctx, NewMilestone{Name: "Midterm", Date: fixedNow.AddDate(0, 0, 10), Color: "#ff0000"})

	if _, _, err := s.AddMilestone(ctx, NewMilestone{Name: "x"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("AddMilestone without date error = %v, want ErrInvalid", err)
	}
	if _, _, err := s.AddMilestone(ctx, NewMilestone{Name: "x", Date: fixedNow, Color: "red"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("AddMilestone with bad color error = %v, want ErrInvalid", err)
	}

	ms := s.Milestones()
	if len(ms) != 2 || ms[0].ID != early.ID {
		t.Errorf("Milestones order = %v", ms)
	}

	task, _, err := s.AddTask(ctx, NewTask{Name: "revise", MilestoneID: early.ID})
	if err != nil {
		t.Fatalf("AddTask with milestone: %v", err)
	}
	linked, err := s.TasksByMilestone(early.ID)
	if err != nil || len(linked) != 1 || linked[0].ID != task.ID {
		t.Errorf("TasksByMilestone = %v, %v", linked, err)
	}
	if _, err := s.TasksByMilestone("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TasksByMilestone(unknown) error = %v", err)
	}

	toggled, _, _ := s.ToggleMilestone(ctx, early.ID)
	if !toggled.Completed {
		t.Error("ToggleMilestone did not complete")
	}
	color := "#00ff00"
	upd, _, err := s.UpdateMilestone(ctx, late.ID, MilestonePatch{Color: &color})
	if err != nil || upd.Color != color {
		t.Errorf("UpdateMilestone = %+v, %v", upd, err)
	}

	if _, err := s.RemoveMilestone(ctx, early.ID); err != nil {
		t.Fatalf("RemoveMilestone: %v", err)
	}
	if got, _ := s.Task(task.ID); got.MilestoneID != early.ID {
		t.Error("removing a milestone rewrote its tasks")
	}
}

func TestSettings(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	st, _, err := s.ToggleTheme(ctx)
	if err != nil || st.Theme != ThemeDark {
		t.Fatalf("ToggleTheme = %v, %v", st.Theme, err)
	}
	st, _, _ = s.ToggleTheme(ctx)
	if st.Theme != ThemeLight {
		t.Errorf("second ToggleTheme = %v", st.Theme)
	}

	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	if _, _, err := s.SetSemesterDates(ctx, end, start); !errors.Is(err, ErrInvalid) {
		t.Errorf("reversed dates error = %v, want ErrInvalid", err)
	}
	st, _, err = s.SetSemesterDates(ctx, start, end)
	if err != nil {
		t.Fatalf("SetSemesterDates: %v", err)
	}
	if !s.Settings().SemesterStart.Equal(start) || !st.SemesterEnd.Equal(end) {
		t.Errorf("settings = %+v", s.Settings())
	}
}

func TestOverview(t *testing.T) {
	s := newService(t, openStore(t), Remotes{}, online(true))

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 100)
	s.SetSemesterDates(ctx, start, end)
	s.AddMilestone(ctx, NewMilestone{Name: "late", Date: start.AddDate(0, 0, 75)})
	s.AddMilestone(ctx, NewMilestone{Name: "early", Date: start.AddDate(0, 0, 25)})
	task, _, _ := s.AddTask(ctx, NewTask{Name: "a"})
	s.AddTask(ctx, NewTask{Name: "b"})
	s.ToggleTask(ctx, task.ID)

	ov := s.Overview(start.AddDate(0, 0, 40))
	if ov.PercentComplete != 40 {
		t.Errorf("PercentComplete = %v, want 40", ov.PercentComplete)
	}
	if ov.DaysRemaining != 60 {
		t.Errorf("DaysRemaining = %d, want 60", ov.DaysRemaining)
	}
	if ov.TotalTasks != 2 || ov.CompletedTasks != 1 {
		t.Errorf("tasks = %d/%d", ov.CompletedTasks, ov.TotalTasks)
	}
	if len(ov.Milestones) != 2 || ov.Milestones[0].Name != "early" || ov.Milestones[0].Position != 25 {
		t.Errorf("Milestones = %+v", ov.Milestones)
	}
	if ov.Milestones[1].DaysLeft != 35 {
		t.Errorf("DaysLeft = %d, want 35", ov.Milestones[1].DaysLeft)
	}

	after := s.Overview(end.AddDate(0, 0, 10))
	if after.PercentComplete != 100 || after.DaysRemaining != 0 {
		t.Errorf("after semester: %v%%, %d days", after.PercentComplete, after.DaysRemaining)
	}
	before := s.Overview(start.AddDate(0, 0, -10))
	if before.PercentComplete != 0 {
		t.Errorf("before semester: %v%%", before.PercentComplete)
	}
}

// listRemote is an in-memory remote for one list category.
type listRemote[T any] struct {
	items []T
	saves atomic.Int32
	fail  bool
}

func (r *listRemote[T]) remote() hybrid.Remote[[]T] {
	return hybrid.Remote[[]T]{
		Load: func(context.Context) ([]T, bool, error) {
			if r.fail {
				return nil, false, errors.New("unreachable")
			}
			return append([]T(nil), r.items...), true, nil
		},
		Save: func(_ context.Context, v []T) ([]T, error) {
			r.saves.Add(1)
			if r.fail {
				return nil, errors.New("unreachable")
			}
			r.items = append([]T(nil), v...)
			return v, nil
		},
	}
}

func TestRemoteMirroring(t *testing.T) {
	tasks := &listRemote[Task]{items: []Task{{ID: "remote-1", Name: "from remote", Priority: PriorityLow}}}
	conn := online(true)
	s := newService(t, openStore(t), Remotes{Tasks: tasks.remote()}, conn)

	if got := s.Tasks(); len(got) != 1 || got[0].ID != "remote-1" {
		t.Fatalf("Tasks after init = %v, want remote value", got)
	}
	if st := s.SyncStatus()[storage.KeyTasks].Status; st != hybrid.StatusSynced {
		t.Errorf("tasks status = %v, want synced", st)
	}
	if st := s.SyncStatus()[storage.KeySettings].Status; st != hybrid.StatusIdle {
		t.Errorf("settings status = %v, want idle", st)
	}

	_, res, err := s.AddTask(ctx, NewTask{Name: "local"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if res.Remote != hybrid.RemoteConfirmed || len(tasks.items) != 2 {
		t.Errorf("remote after add: outcome %v, %d items", res.Remote, len(tasks.items))
	}

	conn.v.Store(false)
	_, res, err = s.AddTask(ctx, NewTask{Name: "offline"})
	if err != nil {
		t.Fatalf("AddTask offline: %v", err)
	}
	if res.Remote != hybrid.RemoteSkipped || res.Status != hybrid.StatusOffline {
		t.Errorf("offline result = %+v", res)
	}
	if len(s.Tasks()) != 3 {
		t.Errorf("local tasks = %d, want 3", len(s.Tasks()))
	}

	synced := s.ForceSync(ctx)
	if synced[storage.KeyTasks] {
		t.Error("ForceSync succeeded while offline")
	}

	conn.v.Store(true)
	tasks.fail = true
	_, res, err = s.AddTask(ctx, NewTask{Name: "failing remote"})
	if err != nil {
		t.Fatalf("AddTask with failing remote returned %v", err)
	}
	if !res.Durable || res.Remote != hybrid.RemoteFailed || res.Status != hybrid.StatusError {
		t.Errorf("failing remote result = %+v", res)
	}
}

func TestMutationsDoNotWaitOnRemoteSave(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var saves atomic.Int32
	remotes := Remotes{Tasks: hybrid.Remote[[]Task]{
		Save: func(_ context.Context, v []Task) ([]Task, error) {
			if saves.Add(1) == 1 {
				close(entered)
				<-release
			}
			return v, nil
		},
	}}
	s := newService(t, openStore(t), remotes, online(true))

	firstDone := make(chan hybrid.UpdateResult)
	go func() {
		_, res, _ := s.AddTask(ctx, NewTask{Name: "slow upload"})
		firstDone <- res
	}()
	<-entered
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	if got := s.Tasks(); len(got) != 1 || got[0].Name != "slow upload" {
		t.Fatalf("Tasks while save in flight = %v, want local commit visible", got)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := s.ToggleTheme(ctx); err != nil {
			t.Errorf("ToggleTheme: %v", err)
		}
		if _, res, err := s.AddTask(ctx, NewTask{Name: "second"}); err != nil || res.Remote != hybrid.RemoteConfirmed {
			t.Errorf("second AddTask: %+v, %v", res, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mutations blocked behind an in-flight remote save")
	}

	if s.Settings().Theme != ThemeDark {
		t.Errorf("Theme = %q, want dark", s.Settings().Theme)
	}
	if got := s.Tasks(); len(got) != 2 {
		t.Errorf("Tasks = %d, want 2", len(got))
	}
	if st := s.SyncStatus()[storage.KeyTasks].Status; st != hybrid.StatusSynced {
		t.Errorf("tasks status = %v, want synced from the newer save", st)
	}

	close(release)
	if res := <-firstDone; res.Remote != hybrid.RemoteConfirmed {
		t.Errorf("first AddTask outcome = %v, want confirmed", res.Remote)
	}
	if st := s.SyncStatus()[storage.KeyTasks].Status; st != hybrid.StatusSynced {
		t.Errorf("tasks status = %v, want synced", st)
	}
}
