package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketflow/internal/db"
	"ticketflow/internal/domain"
	"ticketflow/internal/engine"
	"ticketflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	client   *http.Client
	Todo     domain.StatusID
	Progress domain.StatusID
	Done     domain.StatusID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, nil)
	ctx := context.Background()
	_, err = e.InitProject(ctx, engine.ProjectInitOptions{ID: "proj", Name: "Project", ActorID: "tester"})
	require.NoError(t, err)
	statuses, err := e.ListStatuses(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		Todo:     statuses[0].ID,
		Progress: statuses[1].ID,
		Done:     statuses[2].ID,
	}
}

var actor = map[string]string{"X-Actor-Id": "alice"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (ts *testServer) scrum(t *testing.T) {
	t.Helper()
	resp, body := doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/projects/proj/workflow", map[string]any{
		"initial_statuses": []domain.StatusID{ts.Todo},
		"transitions": []map[string]any{
			{"from": ts.Todo, "to": ts.Progress},
			{"from": ts.Progress, "to": ts.Done},
		},
	}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func (ts *testServer) createTicket(t *testing.T, status domain.StatusID) domain.Ticket {
	t.Helper()
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj/tickets", map[string]any{
		"title":     "Write docs",
		"status_id": status,
	}, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[domain.Ticket](t, body)
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "bob", "name": "Bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	token := decode[DevLoginResponse](t, body).Token
	require.NotEmpty(t, token)

	headers := map[string]string{"Authorization": "Bearer " + token}
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj/tickets", map[string]any{
		"title":     "From token",
		"status_id": ts.Todo,
	}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "bob", decode[domain.Ticket](t, body).OwnerID)
}

func TestWorkflowViolationReturns422(t *testing.T) {
	ts := newTestServer(t)
	ts.scrum(t)
	tk := ts.createTicket(t, ts.Todo)

	resp, body := doJSON(t, ts.client, http.MethodPost, fmt.Sprintf("%s/v0/projects/proj/tickets/%s/status", ts.URL, tk.ID), map[string]any{
		"status_id": ts.Done,
	}, actor)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "workflow_violation", env.Error.Code)
	assert.Equal(t, `Transition from "Todo" to "Done" is not allowed by the project workflow.`, env.Error.Message)
	assert.Equal(t, "Todo", env.Error.Details["from"])
	assert.Equal(t, "Done", env.Error.Details["to"])

	// creation directly into a non-initial status is refused the same way
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj/tickets", map[string]any{
		"title":     "Skip ahead",
		"status_id": ts.Done,
	}, actor)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	assert.Equal(t, `Transition from "Initial" to "Done" is not allowed by the project workflow.`, decode[errorEnvelope](t, body).Error.Message)
}

func TestStatusChangesAreRecordedInHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.scrum(t)
	tk := ts.createTicket(t, ts.Todo)
	url := fmt.Sprintf("%s/v0/projects/proj/tickets/%s", ts.URL, tk.ID)

	resp, body := doJSON(t, ts.client, http.MethodPost, url+"/status", map[string]any{"status_id": ts.Progress, "note": "picked up"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	moved := decode[domain.Ticket](t, body)
	assert.Equal(t, ts.Progress, moved.StatusID)
	assert.Equal(t, int64(2), moved.Version)

	resp, body = doJSON(t, ts.client, http.MethodGet, url+"/history", nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	entries := decode[[]domain.HistoryEntry](t, body)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].FromStatusID)
	assert.Equal(t, ts.Todo, *entries[0].FromStatusID)
	assert.Equal(t, ts.Progress, entries[0].ToStatusID)
	require.NotNil(t, entries[0].Note)
	assert.Equal(t, "picked up", *entries[0].Note)
	assert.Nil(t, entries[1].FromStatusID)
	assert.Equal(t, "alice", entries[1].ActorID)
}

func TestStaleVersionConflicts(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.createTicket(t, ts.Todo)
	url := fmt.Sprintf("%s/v0/projects/proj/tickets/%s", ts.URL, tk.ID)

	resp, body := doJSON(t, ts.client, http.MethodPatch, url, map[string]any{"title": "First", "version": tk.Version}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, ts.client, http.MethodPatch, url, map[string]any{"title": "Second", "version": tk.Version}, actor)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Equal(t, "conflict", decode[errorEnvelope](t, body).Error.Code)
}

func TestPatchNullDetachesEpic(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj/epics", map[string]any{"name": "Launch"}, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	epic := decode[domain.Epic](t, body)

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj/tickets", map[string]any{
		"title":     "Epic work",
		"status_id": ts.Todo,
		"epic_id":   epic.ID,
	}, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	tk := decode[domain.Ticket](t, body)
	require.NotNil(t, tk.EpicID)

	resp, body = doJSON(t, ts.client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/proj/epics/%d", ts.URL, epic.ID), nil, actor)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Equal(t, "referential_integrity", decode[errorEnvelope](t, body).Error.Code)

	resp, body = doJSON(t, ts.client, http.MethodPatch, fmt.Sprintf("%s/v0/projects/proj/tickets/%s", ts.URL, tk.ID), map[string]any{"epic_id": nil}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Nil(t, decode[domain.Ticket](t, body).EpicID)

	resp, _ = doJSON(t, ts.client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/proj/epics/%d", ts.URL, epic.ID), nil, actor)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteStatusInUseConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.createTicket(t, ts.Todo)

	resp, body := doJSON(t, ts.client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/proj/statuses/%d", ts.URL, ts.Todo), nil, actor)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "referential_integrity", env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["tickets"])

	resp, body = doJSON(t, ts.client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/proj/statuses/%d", ts.URL, ts.Done), nil, actor)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
	resp, _ = doJSON(t, ts.client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/proj/statuses/%d", ts.URL, ts.Done), nil, actor)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v0/projects/proj/workflow"

	resp, body := doJSON(t, ts.client, http.MethodGet, base, nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	wf := decode[WorkflowResponse](t, body)
	assert.False(t, wf.Defined)
	assert.True(t, wf.Unrestricted)

	ts.scrum(t)
	resp, body = doJSON(t, ts.client, http.MethodGet, base, nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	wf = decode[WorkflowResponse](t, body)
	assert.True(t, wf.Defined)
	assert.False(t, wf.Unrestricted)
	assert.Equal(t, []domain.StatusID{ts.Todo}, wf.InitialStatuses)
	assert.Len(t, wf.Transitions, 2)

	resp, body = doJSON(t, ts.client, http.MethodGet, fmt.Sprintf("%s/targets?from=%d", base, ts.Todo), nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	targets := decode[TargetsResponse](t, body)
	require.Len(t, targets.Statuses, 1)
	assert.Equal(t, ts.Progress, targets.Statuses[0].ID)

	resp, _ = doJSON(t, ts.client, http.MethodGet, base+"/targets?from=abc", nil, actor)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, ts.client, http.MethodPut, base, map[string]any{
		"transitions": []map[string]any{{"from": ts.Todo, "to": 9999}},
	}, actor)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, ts.client, http.MethodDelete, base, nil, actor)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, ts.client, http.MethodDelete, base, nil, actor)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTicketsPaginates(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.createTicket(t, ts.Todo)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/proj/tickets?limit=2", nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	page := decode[paginatedTickets](t, body)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/proj/tickets?limit=2&cursor="+page.NextCursor, nil, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	next := decode[paginatedTickets](t, body)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.NotContains(t, []string{page.Items[0].ID, page.Items[1].ID}, next.Items[0].ID)

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/proj/tickets?cursor=broken", nil, actor)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTicketOfAnotherProjectIsHidden(t *testing.T) {
	ts := newTestServer(t)
	tk := ts.createTicket(t, ts.Todo)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", map[string]any{"id": "other"}, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = doJSON(t, ts.client, http.MethodGet, fmt.Sprintf("%s/v0/projects/other/tickets/%s", ts.URL, tk.ID), nil, actor)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseCompositeCursor(t *testing.T) {
	ts, id, err := parseCompositeCursor(composeCursor("2024-01-01T00:00:00Z", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", ts)
	assert.Equal(t, "abc", id)

	_, _, err = parseCompositeCursor("nope")
	assert.Error(t, err)
	assert.Equal(t, 50, normalizeLimit(0))
	assert.Equal(t, 200, normalizeLimit(1000))
}
