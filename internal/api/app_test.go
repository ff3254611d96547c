package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/cadence/internal/connectivity"
	"github.com/kalambet/cadence/internal/hybrid"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

const testToken = "test-token-12345"

var testNow = time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

type mockInspector struct {
	snap map[string][]json.RawMessage
	err  error
}

func (m *mockInspector) Owner() string { return "user-1" }

func (m *mockInspector) Snapshot(_ context.Context, _ ...string) (map[string][]json.RawMessage, error) {
	return m.snap, m.err
}

func newTestTracker(t *testing.T, remotes tracker.Remotes, conn hybrid.Connectivity) *tracker.Service {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := tracker.New(store, remotes, conn, tracker.WithClock(func() time.Time { return testNow }))
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return svc
}

func setupAppHandler(t *testing.T) (http.Handler, *tracker.Service, *connectivity.Monitor) {
	t.Helper()
	conn := connectivity.NewMonitor(true, nil, 0)
	svc := newTestTracker(t, tracker.Remotes{}, conn)

	handler := NewAppHandler(AppDeps{
		Tracker:      svc,
		Connectivity: conn,
		Token:        testToken,
		Now:          func() time.Time { return testNow },
	})
	return handler, svc, conn
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
}

type mutationBody struct {
	Task      *tracker.Task      `json:"task"`
	Milestone *tracker.Milestone `json:"milestone"`
	Settings  *tracker.Settings  `json:"settings"`
	Sync      struct {
		Durable bool   `json:"durable"`
		Remote  string `json:"remote"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	} `json:"sync"`
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/tasks", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		var body struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		decode(t, rr, &body)
		if body.Error.Type != "authentication_error" {
			t.Errorf("error type = %q", body.Error.Type)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	h, svc, _ := setupAppHandler(t)

	rr := serve(h, http.MethodPost, "/tasks", `{"name":"Read chapter 4","due_date":"2025-10-04T09:00:00Z","priority":"high"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /tasks status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created mutationBody
	decode(t, rr, &created)
	if created.Task == nil || created.Task.ID == "" {
		t.Fatalf("no task in response: %s", rr.Body.String())
	}
	if !created.Sync.Durable || created.Sync.Remote != "not_configured" || created.Sync.Status != "idle" {
		t.Errorf("sync = %+v", created.Sync)
	}
	id := created.Task.ID

	rr = serve(h, http.MethodGet, "/tasks/"+id, "")
	var view struct {
		Name           string `json:"name"`
		DaysLeft       int    `json:"days_left"`
		TimeSpentLabel string `json:"time_spent_label"`
	}
	decode(t, rr, &view)
	if view.Name != "Read chapter 4" || view.DaysLeft != 3 || view.TimeSpentLabel != "Not started" {
		t.Errorf("GET /tasks/{id} = %+v", view)
	}

	rr = serve(h, http.MethodPost, "/tasks/"+id+"/time", `{"seconds":7200}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("log time status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got, _ := svc.Task(id); got.TimeSpent != 7200 {
		t.Errorf("TimeSpent = %d", got.TimeSpent)
	}

	rr = serve(h, http.MethodPatch, "/tasks/"+id, `{"name":"Read chapter 5"}`)
	var patched mutationBody
	decode(t, rr, &patched)
	if patched.Task == nil || patched.Task.Name != "Read chapter 5" || patched.Task.Priority != tracker.PriorityHigh {
		t.Errorf("PATCH result = %s", rr.Body.String())
	}

	serve(h, http.MethodPost, "/tasks/"+id+"/toggle", "")
	rr = serve(h, http.MethodGet, "/tasks/completed", "")
	var list struct {
		Tasks []tracker.Task `json:"tasks"`
	}
	decode(t, rr, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != id {
		t.Errorf("completed = %+v", list.Tasks)
	}

	rr = serve(h, http.MethodGet, "/tasks/imminent", "")
	decode(t, rr, &list)
	if len(list.Tasks) != 0 {
		t.Errorf("imminent = %+v, want empty", list.Tasks)
	}

	if rr = serve(h, http.MethodDelete, "/tasks/"+id, ""); rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", rr.Code)
	}
	if rr = serve(h, http.MethodGet, "/tasks/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", rr.Code)
	}
}

func TestAddTask_Errors(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	tests := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"name":""}`, http.StatusBadRequest},
		{`{"name":"x","priority":"urgent"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr := serve(h, http.MethodPost, "/tasks", tt.body)
		if rr.Code != tt.code {
			t.Errorf("body %s: status = %d, want %d", tt.body, rr.Code, tt.code)
		}
	}

	big := `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	if rr := serve(h, http.MethodPost, "/tasks", big); rr.Code != http.StatusBadRequest {
		t.Errorf("oversized body status = %d, want 400", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/tasks/missing/toggle", ""); rr.Code != http.StatusNotFound {
		t.Errorf("toggle missing status = %d, want 404", rr.Code)
	}
}

func TestMilestonesAndOverview(t *testing.T) {
	h, _, _ := setupAppHandler(t)

	rr := serve(h, http.MethodPut, "/settings/semester", `{"start":"2025-09-01T00:00:00Z","end":"2025-12-10T00:00:00Z"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT /settings/semester status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/milestones", `{"name":"Midterm","date":"2025-10-21T00:00:00Z"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /milestones status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created mutationBody
	decode(t, rr, &created)
	mid := created.Milestone.ID
	if created.Milestone.Color != tracker.DefaultMilestoneColor {
		t.Errorf("color = %q", created.Milestone.Color)
	}

	serve(h, http.MethodPost, "/tasks", `{"name":"Study","milestone_id":"`+mid+`"}`)
	rr = serve(h, http.MethodGet, "/milestones/"+mid+"/tasks", "")
	var list struct {
		Tasks []tracker.Task `json:"tasks"`
	}
	decode(t, rr, &list)
	if len(list.Tasks) != 1 {
		t.Errorf("milestone tasks = %d, want 1", len(list.Tasks))
	}

	rr = serve(h, http.MethodGet, "/overview", "")
	var ov tracker.Overview
	decode(t, rr, &ov)
	if ov.PercentComplete != 30 || ov.DaysRemaining != 69 {
		t.Errorf("overview = %v%%, %d days", ov.PercentComplete, ov.DaysRemaining)
	}
	if len(ov.Milestones) != 1 || ov.Milestones[0].Position != 50 {
		t.Errorf("milestones = %+v", ov.Milestones)
	}

	rr = serve(h, http.MethodPost, "/settings/theme/toggle", "")
	var toggled mutationBody
	decode(t, rr, &toggled)
	if toggled.Settings == nil || toggled.Settings.Theme != tracker.ThemeDark {
		t.Errorf("theme toggle = %s", rr.Body.String())
	}

	if rr = serve(h, http.MethodDelete, "/milestones/"+mid, ""); rr.Code != http.StatusOK {
		t.Errorf("DELETE milestone status = %d", rr.Code)
	}
}

func TestConnectivityOverride(t *testing.T) {
	h, _, conn := setupAppHandler(t)

	rr := serve(h, http.MethodPut, "/connectivity", `{"online":false}`)
	var body struct {
		Online   bool  `json:"online"`
		Override *bool `json:"override"`
		Changed  bool  `json:"changed"`
	}
	decode(t, rr, &body)
	if body.Online || !body.Changed || conn.Online() || body.Override == nil || *body.Override {
		t.Errorf("PUT /connectivity = %s", rr.Body.String())
	}

	if rr = serve(h, http.MethodPut, "/connectivity", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing online status = %d, want 400", rr.Code)
	}

	rr = serve(h, http.MethodPost, "/tasks", `{"name":"offline task"}`)
	var created mutationBody
	decode(t, rr, &created)
	if !created.Sync.Durable || created.Sync.Status != "offline" {
		t.Errorf("offline sync = %+v", created.Sync)
	}

	rr = serve(h, http.MethodDelete, "/connectivity", "")
	body.Override = nil
	decode(t, rr, &body)
	if body.Override != nil || conn.Overridden() != nil {
		t.Errorf("DELETE /connectivity = %s, want override cleared", rr.Body.String())
	}
}

func TestConnectivityOverride_SurvivesHealthCheck(t *testing.T) {
	conn := connectivity.NewMonitor(true, connectivity.ProberFunc(func(context.Context) error { return nil }), time.Hour)
	svc := newTestTracker(t, tracker.Remotes{}, conn)
	h := NewAppHandler(AppDeps{Tracker: svc, Connectivity: conn, Token: testToken})

	serve(h, http.MethodPut, "/connectivity", `{"online":false}`)
	conn.CheckOnce(context.Background())
	if conn.Online() {
		t.Fatal("healthy health check flipped a manual offline override")
	}

	rr := serve(h, http.MethodGet, "/connectivity", "")
	if !strings.Contains(rr.Body.String(), `"override":false`) {
		t.Errorf("GET /connectivity = %s, want override reported", rr.Body.String())
	}

	serve(h, http.MethodDelete, "/connectivity", "")
	if !conn.Online() {
		t.Error("clearing the override did not re-check reachability")
	}
}

func TestSyncEndpoints_RemoteFailure(t *testing.T) {
	conn := connectivity.NewMonitor(true, nil, 0)
	failing := hybrid.Remote[[]tracker.Task]{
		Load: func(context.Context) ([]tracker.Task, bool, error) { return nil, false, errors.New("down") },
		Save: func(context.Context, []tracker.Task) ([]tracker.Task, error) { return nil, errors.New("down") },
	}
	svc := newTestTracker(t, tracker.Remotes{Tasks: failing}, conn)
	inspector := &mockInspector{snap: map[string][]json.RawMessage{"tasks": {json.RawMessage(`{}`)}}}
	h := NewAppHandler(AppDeps{Tracker: svc, Connectivity: conn, Remote: inspector, Token: testToken})

	rr := serve(h, http.MethodPost, "/tasks", `{"name":"x"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /tasks with failing remote status = %d", rr.Code)
	}
	var created mutationBody
	decode(t, rr, &created)
	if !created.Sync.Durable || created.Sync.Remote != "failed" || created.Sync.Status != "error" || created.Sync.Error == "" {
		t.Errorf("sync = %+v", created.Sync)
	}

	rr = serve(h, http.MethodGet, "/sync", "")
	var status struct {
		Online bool                    `json:"online"`
		Owner  string                  `json:"owner"`
		Slots  map[string]hybrid.State `json:"slots"`
	}
	decode(t, rr, &status)
	if !status.Online || status.Owner != "user-1" || status.Slots["tasks"].Status != hybrid.StatusError {
		t.Errorf("GET /sync = %s", rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/sync/force", "")
	var forced struct {
		Results map[string]bool         `json:"results"`
		Slots   map[string]hybrid.State `json:"slots"`
	}
	decode(t, rr, &forced)
	if forced.Results["tasks"] {
		t.Error("force sync reported success for failing remote")
	}
	if got := forced.Slots["tasks"].LastPull; got != hybrid.PullFailed {
		t.Errorf("tasks last_pull = %q, want %q", got, hybrid.PullFailed)
	}

	rr = serve(h, http.MethodGet, "/sync/remote", "")
	var snap struct {
		Counts map[string]int `json:"counts"`
	}
	decode(t, rr, &snap)
	if snap.Counts["tasks"] != 1 {
		t.Errorf("remote counts = %v", snap.Counts)
	}

	inspector.err = errors.New("unreachable")
	if rr = serve(h, http.MethodGet, "/sync/remote", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("snapshot failure status = %d, want 502", rr.Code)
	}
}

func TestRemoteSnapshot_LocalOnly(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	if rr := serve(h, http.MethodGet, "/sync/remote", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
