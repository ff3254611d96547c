package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (i item) RecordID() string { return i.ID }

// fakeAPI is an in-memory data API keyed by model then id.
type fakeAPI struct {
	mu      sync.Mutex
	owner   string
	records map[string]map[string]json.RawMessage
	calls   []string
	failPut bool
}

func newFakeAPI(owner string) *fakeAPI {
	return &fakeAPI{owner: owner, records: map[string]map[string]json.RawMessage{}}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("owner") != f.owner {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/"), "/")
	model := parts[0]
	if f.records[model] == nil {
		f.records[model] = map[string]json.RawMessage{}
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		ids := make([]string, 0, len(f.records[model]))
		for id := range f.records[model] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		items := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			items = append(items, f.records[model][id])
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	case r.Method == http.MethodPut && len(parts) == 2:
		if f.failPut {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		b, _ := io.ReadAll(r.Body)
		f.records[model][parts[1]] = b
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && len(parts) == 2:
		if _, ok := f.records[model][parts[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.records[model], parts[1])
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeAPI) seed(model string, items ...item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[model] == nil {
		f.records[model] = map[string]json.RawMessage{}
	}
	for _, it := range items {
		b, _ := json.Marshal(it)
		f.records[model][it.ID] = b
	}
}

func (f *fakeAPI) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, "GET") {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func testToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func newTestClient(t *testing.T, api http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, testToken(t, "user-1", time.Now().Add(time.Hour)), 5*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_ReadsOwner(t *testing.T) {
	c, err := New("http://example.invalid/", testToken(t, "user-42", time.Time{}), time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Owner() != "user-42" {
		t.Errorf("Owner() = %q, want user-42", c.Owner())
	}
	if c.Expired() {
		t.Error("token without exp reported expired")
	}
}

func TestNew_RejectsBadToken(t *testing.T) {
	if _, err := New("http://example.invalid", "not-a-jwt", time.Second); err == nil {
		t.Error("expected error for malformed token")
	}
	if _, err := New("http://example.invalid", testToken(t, "", time.Time{}), time.Second); err == nil {
		t.Error("expected error for token without sub")
	}
	if _, err := New("", testToken(t, "u", time.Time{}), time.Second); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestExpiredToken_FailsBeforeRequest(t *testing.T) {
	api := newFakeAPI("user-1")
	srv := httptest.NewServer(api)
	defer srv.Close()

	c, err := New(srv.URL, testToken(t, "user-1", time.Now().Add(-time.Minute)), time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = NewCollection[item](c, ModelTasks).List(context.Background())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("List error = %v, want ErrTokenExpired", err)
	}
	if len(api.calls) != 0 {
		t.Errorf("expired token still issued %d requests", len(api.calls))
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, newFakeAPI("user-1"))
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe: %v", err)
	}

	down := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	var se *StatusError
	if err := down.Health(context.Background()); !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("Health error = %v, want 503 StatusError", err)
	}
}

func TestCollection_PutListDelete(t *testing.T) {
	api := newFakeAPI("user-1")
	col := NewCollection[item](newTestClient(t, api), ModelTasks)
	ctx := context.Background()

	if err := col.Put(ctx, item{ID: "a", Name: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := col.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "first" {
		t.Fatalf("List = %+v", got)
	}

	if err := col.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := col.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete of missing record: %v, want nil", err)
	}
}

func TestCollection_ServerErrorMessage(t *testing.T) {
	api := newFakeAPI("user-1")
	api.failPut = true
	col := NewCollection[item](newTestClient(t, api), ModelTasks)

	err := col.Put(context.Background(), item{ID: "a"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Put error = %v, want StatusError", err)
	}
	if se.Code != 500 || se.Message != "boom" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestReconcile(t *testing.T) {
	api := newFakeAPI("user-1")
	api.seed(ModelTasks,
		item{ID: "keep", Name: "same"},
		item{ID: "change", Name: "old"},
		item{ID: "gone", Name: "removed locally"},
	)
	col := NewCollection[item](newTestClient(t, api), ModelTasks)

	local := []item{
		{ID: "keep", Name: "same"},
		{ID: "change", Name: "new"},
		{ID: "added", Name: "fresh"},
	}
	if err := col.Reconcile(context.Background(), local); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := []string{
		"DELETE /v1/tasks/gone",
		"PUT /v1/tasks/added",
		"PUT /v1/tasks/change",
	}
	got := api.mutations()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("mutations = %v, want %v", got, want)
	}

	remote, _ := col.List(context.Background())
	if len(remote) != 3 {
		t.Errorf("remote has %d records after reconcile, want 3", len(remote))
	}
}

func TestListRemote_EmptyIsFound(t *testing.T) {
	api := newFakeAPI("user-1")
	r := ListRemote(NewCollection[item](newTestClient(t, api), ModelMilestones))

	v, found, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found || len(v) != 0 {
		t.Errorf("Load = %v, %v; want empty list, found", v, found)
	}
}

func TestSingleRemote(t *testing.T) {
	api := newFakeAPI("user-1")
	r := SingleRemote(NewCollection[item](newTestClient(t, api), ModelSettings))
	ctx := context.Background()

	if _, found, err := r.Load(ctx); err != nil || found {
		t.Fatalf("Load on empty = found %v, err %v; want not found", found, err)
	}
	if _, err := r.Save(ctx, item{ID: "settings", Name: "dark"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	v, found, err := r.Load(ctx)
	if err != nil || !found || v.Name != "dark" {
		t.Errorf("Load = %+v, %v, %v", v, found, err)
	}
}

func TestSnapshot(t *testing.T) {
	api := newFakeAPI("user-1")
	api.seed(ModelTasks, item{ID: "t1"}, item{ID: "t2"})
	api.seed(ModelMilestones, item{ID: "m1"})
	c := newTestClient(t, api)

	snap, err := c.Snapshot(context.Background(), ModelTasks, ModelMilestones, ModelSettings)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap[ModelTasks]) != 2 || len(snap[ModelMilestones]) != 1 || len(snap[ModelSettings]) != 0 {
		t.Errorf("Snapshot counts = %d/%d/%d", len(snap[ModelTasks]), len(snap[ModelMilestones]), len(snap[ModelSettings]))
	}
}

func TestWrongOwnerRejected(t *testing.T) {
	api := newFakeAPI("someone-else")
	col := NewCollection[item](newTestClient(t, api), ModelTasks)

	if _, err := col.List(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("List error = %v, want ErrUnauthorized", err)
	}
}
