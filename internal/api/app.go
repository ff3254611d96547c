package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cadence/internal/remote"
	"github.com/kalambet/cadence/internal/tracker"
)

// Connectivity is the flag the API reports and lets callers override.
type Connectivity interface {
	Online() bool
	SetOverride(v *bool) bool
	Overridden() *bool
	CheckOnce(ctx context.Context) bool
}

// RemoteInspector exposes the remote store for diagnostics.
type RemoteInspector interface {
	Owner() string
	Snapshot(ctx context.Context, models ...string) (map[string][]json.RawMessage, error)
}

type AppDeps struct {
	Tracker      *tracker.Service
	Connectivity Connectivity
	Remote       RemoteInspector // optional; nil in local-only mode
	Token        string
	Now          func() time.Time // optional; defaults to time.Now
}

func (d AppDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks", handleAddTask(deps))
		r.Get("/tasks/imminent", handleImminentTasks(deps))
		r.Get("/tasks/completed", handleCompletedTasks(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Patch("/tasks/{id}", handleUpdateTask(deps))
		r.Delete("/tasks/{id}", handleRemoveTask(deps))
		r.Post("/tasks/{id}/toggle", handleToggleTask(deps))
		r.Post("/tasks/{id}/time", handleLogTime(deps))

		r.Get("/milestones", handleListMilestones(deps))
		r.Post("/milestones", handleAddMilestone(deps))
		r.Get("/milestones/{id}", handleGetMilestone(deps))
		r.Patch("/milestones/{id}", handleUpdateMilestone(deps))
		r.Delete("/milestones/{id}", handleRemoveMilestone(deps))
		r.Post("/milestones/{id}/toggle", handleToggleMilestone(deps))
		r.Get("/milestones/{id}/tasks", handleMilestoneTasks(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Post("/settings/theme/toggle", handleToggleTheme(deps))
		r.Put("/settings/semester", handleSetSemester(deps))

		r.Get("/overview", handleOverview(deps))

		r.Get("/sync", handleSyncStatus(deps))
		r.Post("/sync/force", handleForceSync(deps))
		r.Get("/sync/remote", handleRemoteSnapshot(deps))
		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Put("/connectivity", handleSetConnectivity(deps))
		r.Delete("/connectivity", handleClearConnectivity(deps))
	})

	return r
}

// --- tasks ---

type addTaskRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	DueDate     time.Time        `json:"due_date"`
	Priority    tracker.Priority `json:"priority"`
	MilestoneID string           `json:"milestone_id"`
}

// taskView decorates a task with derived display fields.
type taskView struct {
	tracker.Task
	TimeSpentLabel string `json:"time_spent_label"`
	DaysLeft       int    `json:"days_left"`
}

func viewTasks(deps AppDeps, tasks []tracker.Task) []taskView {
	now := deps.now()
	out := make([]taskView, len(tasks))
	for i, t := range tasks {
		out[i] = taskView{Task: t, TimeSpentLabel: tracker.FormatTimeSpent(t.TimeSpent), DaysLeft: tracker.DaysLeft(t.DueDate, now)}
	}
	return out
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(deps, deps.Tracker.Tasks())})
	}
}

func handleImminentTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(deps, deps.Tracker.ImminentTasks())})
	}
}

func handleCompletedTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(deps, deps.Tracker.CompletedTasks())})
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tracker.Task(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTasks(deps, []tracker.Task{t})[0])
	}
}

func handleAddTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		t, res, err := deps.Tracker.AddTask(r.Context(), tracker.NewTask{
			Name:        req.Name,
			Description: req.Description,
			DueDate:     req.DueDate,
			Priority:    req.Priority,
			MilestoneID: req.MilestoneID,
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusCreated, "task", t, res)
	}
}

func handleUpdateTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch tracker.TaskPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		t, res, err := deps.Tracker.UpdateTask(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "task", t, res)
	}
}

func handleRemoveTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Tracker.RemoveTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "", nil, res)
	}
}

func handleToggleTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, res, err := deps.Tracker.ToggleTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "task", t, res)
	}
}

func handleLogTime(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seconds int64 `json:"seconds"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		t, res, err := deps.Tracker.LogTime(r.Context(), chi.URLParam(r, "id"), req.Seconds)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "task", t, res)
	}
}

// --- milestones ---

type addMilestoneRequest struct {
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
}

func handleListMilestones(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"milestones": deps.Tracker.Milestones()})
	}
}

func handleGetMilestone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Tracker.Milestone(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleMilestoneTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Tracker.TasksByMilestone(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(deps, tasks)})
	}
}

func handleAddMilestone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addMilestoneRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, res, err := deps.Tracker.AddMilestone(r.Context(), tracker.NewMilestone{
			Name:        req.Name,
			Date:        req.Date,
			Description: req.Description,
			Color:       req.Color,
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusCreated, "milestone", m, res)
	}
}

func handleUpdateMilestone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch tracker.MilestonePatch
		if !decodeBody(w, r, &patch) {
			return
		}
		m, res, err := deps.Tracker.UpdateMilestone(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "milestone", m, res)
	}
}

func handleRemoveMilestone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Tracker.RemoveMilestone(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "", nil, res)
	}
}

func handleToggleMilestone(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, res, err := deps.Tracker.ToggleMilestone(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "milestone", m, res)
	}
}

// --- settings and overview ---

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Tracker.Settings())
	}
}

func handleToggleTheme(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, res, err := deps.Tracker.ToggleTheme(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "settings", s, res)
	}
}

func handleSetSemester(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		s, res, err := deps.Tracker.SetSemesterDates(r.Context(), req.Start, req.End)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeMutation(w, http.StatusOK, "settings", s, res)
	}
}

func handleOverview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Tracker.Overview(deps.now()))
	}
}

// --- sync and connectivity ---

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"online": deps.Connectivity.Online(),
			"remote": deps.Remote != nil,
			"slots":  deps.Tracker.SyncStatus(),
		}
		if deps.Remote != nil {
			body["owner"] = deps.Remote.Owner()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleForceSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := deps.Tracker.ForceSync(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"results": results,
			"slots":   deps.Tracker.SyncStatus(),
		})
	}
}

func handleRemoteSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Remote == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "no remote store configured")
			return
		}
		snap, err := deps.Remote.Snapshot(r.Context(), remote.ModelTasks, remote.ModelMilestones, remote.ModelSettings)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to read remote store: %v", err)
			return
		}
		counts := make(map[string]int, len(snap))
		for model, items := range snap {
			counts[model] = len(items)
		}
		writeJSON(w, http.StatusOK, map[string]any{"owner": deps.Remote.Owner(), "counts": counts})
	}
}

// connectivityView reports the flag and the manual override, if any.
// Override is null while probes drive the flag.
type connectivityView struct {
	Online   bool  `json:"online"`
	Override *bool `json:"override"`
	Changed  *bool `json:"changed,omitempty"`
}

func currentConnectivity(deps AppDeps) connectivityView {
	return connectivityView{Online: deps.Connectivity.Online(), Override: deps.Connectivity.Overridden()}
}

func handleGetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, currentConnectivity(deps))
	}
}

// handleSetConnectivity pins the flag until DELETE /connectivity.
func handleSetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online *bool `json:"online"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		changed := deps.Connectivity.SetOverride(req.Online)
		view := currentConnectivity(deps)
		view.Changed = &changed
		writeJSON(w, http.StatusOK, view)
	}
}

// handleClearConnectivity hands the flag back to the prober and probes once.
func handleClearConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := deps.Connectivity.Online()
		deps.Connectivity.SetOverride(nil)
		deps.Connectivity.CheckOnce(r.Context())
		view := currentConnectivity(deps)
		changed := view.Online != before
		view.Changed = &changed
		writeJSON(w, http.StatusOK, view)
	}
}
