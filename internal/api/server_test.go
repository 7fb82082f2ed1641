package api_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/anima/internal/api"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/supervisor"
)

// fakeControl records calls and replays scripted responses.
type fakeControl struct {
	mu        sync.Mutex
	regs      []supervisor.Registration
	snapshots map[string]*core.ProjectSnapshot
	errs      map[string]error
	calls     []string
	eventCh   chan events.Event
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		snapshots: make(map[string]*core.ProjectSnapshot),
		errs:      make(map[string]error),
		eventCh:   make(chan events.Event, 16),
	}
}

func (f *fakeControl) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.errs[call]
}

func (f *fakeControl) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeControl) RegisterProject(path, name string) (supervisor.Registration, error) {
	if err := f.record("register " + path); err != nil {
		return supervisor.Registration{}, err
	}
	reg := supervisor.Registration{ID: "p1", Path: path, Name: name}
	f.mu.Lock()
	f.regs = append(f.regs, reg)
	f.mu.Unlock()
	return reg, nil
}

func (f *fakeControl) RemoveProject(projectID string) error {
	return f.record("remove " + projectID)
}

func (f *fakeControl) ListProjects() []supervisor.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.Registration(nil), f.regs...)
}

func (f *fakeControl) Snapshot(projectID string) (*core.ProjectSnapshot, error) {
	if err := f.record("snapshot " + projectID); err != nil {
		return nil, err
	}
	snap, ok := f.snapshots[projectID]
	if !ok {
		return nil, core.ErrNotFound("project", projectID)
	}
	return snap, nil
}

func (f *fakeControl) WakeNow(projectID string) error { return f.record("wake " + projectID) }
func (f *fakeControl) Pause(projectID string) error   { return f.record("pause " + projectID) }
func (f *fakeControl) Resume(projectID string) error  { return f.record("resume " + projectID) }

func (f *fakeControl) CancelMilestone(_ context.Context, projectID, milestoneID string) error {
	return f.record("cancel " + projectID + " " + milestoneID)
}

func (f *fakeControl) ApproveReview(_ context.Context, projectID, milestoneID string) error {
	return f.record("approve " + projectID + " " + milestoneID)
}

func (f *fakeControl) RejectReview(_ context.Context, projectID, milestoneID, reason string) error {
	return f.record("reject " + projectID + " " + milestoneID + " " + reason)
}

func (f *fakeControl) ProvideGuidance(_ context.Context, projectID, text string) error {
	return f.record("guidance " + projectID + " " + text)
}

func (f *fakeControl) SubscribeEvents(string, ...string) <-chan events.Event {
	return f.eventCh
}

func (f *fakeControl) UnsubscribeEvents(<-chan events.Event) {}

func newTestServer(t *testing.T) (*fakeControl, *httptest.Server) {
	t.Helper()
	control := newFakeControl()
	srv := httptest.NewServer(api.NewServer(control).Handler())
	t.Cleanup(srv.Close)
	return control, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterProject(t *testing.T) {
	control, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/projects", `{"path":"/tmp/demo","name":"Demo"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, control.called("register /tmp/demo"))

	list, err := http.Get(srv.URL + "/api/v1/projects")
	require.NoError(t, err)
	defer list.Body.Close()
	assert.Equal(t, http.StatusOK, list.StatusCode)
}

func TestRegisterProjectRequiresPath(t *testing.T) {
	_, srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/projects", `{"name":"nameless"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	control, srv := newTestServer(t)
	control.errs["register /tmp/demo"] = core.ErrValidation(core.CodeAlreadyExists,
		"project already registered")

	resp := postJSON(t, srv.URL+"/api/v1/projects", `{"path":"/tmp/demo"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotNotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/projects/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotReturnsState(t *testing.T) {
	control, srv := newTestServer(t)
	control.snapshots["p1"] = &core.ProjectSnapshot{
		ProjectID: "p1",
		Name:      "Demo",
		State:     &core.ProjectState{Status: core.ProjectSleeping},
	}

	resp, err := http.Get(srv.URL + "/api/v1/projects/p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestControlEndpointsDelegate(t *testing.T) {
	control, srv := newTestServer(t)

	assert.Equal(t, http.StatusAccepted,
		postJSON(t, srv.URL+"/api/v1/projects/p1/wake", `{}`).StatusCode)
	assert.Equal(t, http.StatusAccepted,
		postJSON(t, srv.URL+"/api/v1/projects/p1/pause", `{}`).StatusCode)
	assert.Equal(t, http.StatusAccepted,
		postJSON(t, srv.URL+"/api/v1/projects/p1/resume", `{}`).StatusCode)
	assert.Equal(t, http.StatusAccepted,
		postJSON(t, srv.URL+"/api/v1/projects/p1/milestones/m1/cancel", `{}`).StatusCode)
	assert.Equal(t, http.StatusOK,
		postJSON(t, srv.URL+"/api/v1/projects/p1/milestones/m1/approve", `{}`).StatusCode)

	assert.True(t, control.called("wake p1"))
	assert.True(t, control.called("pause p1"))
	assert.True(t, control.called("resume p1"))
	assert.True(t, control.called("cancel p1 m1"))
	assert.True(t, control.called("approve p1 m1"))
}

func TestRejectReviewRequiresReason(t *testing.T) {
	control, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/projects/p1/milestones/m1/reject", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/projects/p1/milestones/m1/reject",
		`{"reason":"missing dark mode"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, control.called("reject p1 m1 missing dark mode"))
}

func TestGuidanceDelegates(t *testing.T) {
	control, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/projects/p1/guidance", `{"text":"prefer sqlite"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, control.called("guidance p1 prefer sqlite"))
}

func TestRemoveProject(t *testing.T) {
	control, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/projects/p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, control.called("remove p1"))
}

func TestSSEStreamsEvents(t *testing.T) {
	control, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/events?project=p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	control.eventCh <- events.NewStatusChangeEvent("p1", core.ProjectSleeping, core.ProjectAwake)

	scanner := bufio.NewScanner(resp.Body)
	var sawConnected, sawStatusChange bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: connected" {
			sawConnected = true
		}
		if line == "event: "+events.TypeStatusChange {
			sawStatusChange = true
		}
		if sawConnected && sawStatusChange {
			break
		}
	}
	assert.True(t, sawConnected)
	assert.True(t, sawStatusChange)
}
