package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"sitework/internal/config"
	"sitework/internal/db"
	"sitework/internal/engine"
	"sitework/internal/migrate"
)

const testProject = "riverside"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), testProject, "acme-builders", "Riverside Tower", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestStatusChangeFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject

	for _, title := range []string{"Pour foundation", "Frame walls"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
			"title":  title,
			"status": "in_progress",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/validate-status-change", map[string]any{
		"new_status": "completed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if !env.Success {
		t.Fatalf("expected success envelope: %s", string(data))
	}
	var verdict ValidationResultResponse
	if err := json.Unmarshal(env.Data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if len(verdict.Blockers) != 0 || len(verdict.Warnings) != 1 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "completed",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change status: %d %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	var change StatusChangeResponse
	if err := json.Unmarshal(env.Data, &change); err != nil {
		t.Fatalf("unmarshal change: %v", err)
	}
	if change.Project.Status != "completed" {
		t.Fatalf("project status %s", change.Project.Status)
	}
	if change.UpdatedCount != 2 || change.SkippedCount != 0 {
		t.Fatalf("unexpected cascade counts: %+v", change)
	}
	for _, task := range change.UpdatedTasks {
		if task.Status != "completed" {
			t.Fatalf("task %s not completed: %s", task.Title, task.Status)
		}
	}
}

func TestStatusChangeConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "in_progress",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first change: %d %s", res.StatusCode, string(data))
	}

	// Second caller still believes not_started.
	res, data = doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "on_hold",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Success || env.Error == nil || env.Error.Code != "concurrent_modification" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}
}

func TestStatusChangeInvalidStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "archived",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Error == nil || env.Error.Code != "invalid_status" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}
}

func TestStatusChangeBlockedByPunchlist(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, client, http.MethodPost, base+"/punchlist", map[string]any{
		"title":             "Fix drywall crack",
		"blocks_completion": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create punch item: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/validate-status-change", map[string]any{
		"new_status": "completed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var verdict ValidationResultResponse
	_ = json.Unmarshal(env.Data, &verdict)
	if len(verdict.Blockers) == 0 {
		t.Fatalf("expected blocker: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "completed",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	if env.Error == nil || env.Error.Code != "status_change_blocked" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}

	// Resolve the item and the transition proceeds.
	var item PunchlistItemResponse
	listRes, listData := doJSON(t, client, http.MethodGet, base+"/punchlist?status=open", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list punchlist: %d %s", listRes.StatusCode, string(listData))
	}
	listEnv := decodeEnvelope(t, listData)
	var items []PunchlistItemResponse
	if err := json.Unmarshal(listEnv.Data, &items); err != nil || len(items) != 1 {
		t.Fatalf("unexpected punchlist: %s", string(listData))
	}
	item = items[0]
	res, data = doJSON(t, client, http.MethodPost, base+"/punchlist/"+item.ID+"/resolve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "completed",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change after resolve: %d %s", res.StatusCode, string(data))
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/nope/status", map[string]any{
		"status":         "in_progress",
		"current_status": "not_started",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject

	// An actor with no role on the project cannot change status.
	res, data := doJSON(t, client, http.MethodPost, base+"/status", map[string]any{
		"status":         "in_progress",
		"current_status": "not_started",
	}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/"+testProject, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestProjectCRUD(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":         "annex",
		"company_id": "acme-builders",
		"name":       "Annex Building",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var p ProjectResponse
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.Status != "not_started" {
		t.Fatalf("new project status %s", p.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/annex/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status summary: %d %s", res.StatusCode, string(data))
	}
}
