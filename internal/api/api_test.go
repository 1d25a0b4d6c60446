package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

type fakeReloader struct {
	all      int
	single   []string
	failWith error
}

func (f *fakeReloader) ReloadFlows(ctx context.Context) error {
	f.all++
	return f.failWith
}

func (f *fakeReloader) ReloadFlow(ctx context.Context, id string) error {
	f.single = append(f.single, id)
	return f.failWith
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	return resp
}

func TestHealthz(t *testing.T) {
	rr := do(t, NewServer(&fakeReloader{}).Handler(), http.MethodGet, "/healthz")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONStatus(t, rr, StatusOK)
}

func TestReloadFlows(t *testing.T) {
	reloader := &fakeReloader{}
	h := NewServer(reloader).Handler()

	rr := do(t, h, http.MethodPost, "/flows/reload")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "bulk reload")
	rr = do(t, h, http.MethodPost, "/flows/abc-123/reload")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "single reload")

	if reloader.all != 1 {
		t.Errorf("expected one bulk reload, got %d", reloader.all)
	}
	if diff := cmp.Diff([]string{"abc-123"}, reloader.single); diff != "" {
		t.Errorf("reloaded ids mismatch (-want +got):\n%s", diff)
	}

	rr = do(t, h, http.MethodGet, "/flows/reload")
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "reload via GET")
}

func TestReloadFailure(t *testing.T) {
	h := NewServer(&fakeReloader{failWith: errors.New("db down")}).Handler()
	rr := do(t, h, http.MethodPost, "/flows/reload")
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "failed reload")
	if resp := decode(t, rr); resp.Status != StatusError || strings.Contains(resp.Message, "db down") {
		t.Errorf("expected generic error response, got %+v", resp)
	}
}

func TestUserTasks(t *testing.T) {
	sched := scheduler.New(store.NewInMemoryStore())
	ctx := context.Background()
	if _, err := sched.AddTask(ctx, "checkin", "u1", nil, models.TaskOptions{RunEvery: "1 day", RunTime: "09:00"}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	h := NewServer(&fakeReloader{}, WithTasks(sched)).Handler()

	rr := do(t, h, http.MethodGet, "/users/u1/tasks")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list tasks")
	var body struct {
		Status string        `json:"status"`
		Result []models.Task `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	if len(body.Result) != 1 || body.Result[0].Hash != "checkin" {
		t.Errorf("unexpected tasks %+v", body.Result)
	}

	rr = do(t, h, http.MethodGet, "/users/nobody/tasks")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list empty")
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("expected empty list, got %s", rr.Body.String())
	}
}

func TestOptionalRoutes(t *testing.T) {
	h := NewServer(&fakeReloader{}).Handler()
	for _, path := range []string{"/metrics", "/users/u1/tasks"} {
		testutil.AssertHTTPStatus(t, http.StatusNotFound, do(t, h, http.MethodGet, path).Code, path)
	}
	testutil.AssertHTTPStatus(t, http.StatusNotFound, do(t, h, http.MethodPost, "/webhooks/twilio").Code, "twilio")

	called := false
	h = NewServer(&fakeReloader{},
		WithMetricsHandler(metrics.New().Handler()),
		WithTwilioWebhook(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}),
	).Handler()
	rr := do(t, h, http.MethodGet, "/metrics")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("expected runtime metrics in output")
	}
	testutil.AssertHTTPStatus(t, http.StatusOK, do(t, h, http.MethodPost, "/webhooks/twilio").Code, "twilio")
	if !called {
		t.Error("expected twilio webhook handler called")
	}
}
