package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/warrenhq/warren/pkg/fleet"
	"github.com/warrenhq/warren/pkg/instance"
)

type fakeFleet struct {
	launched  []fleet.LaunchOptions
	launchRes instance.Instance
	launchErr error
	destroyed []string
	deleteErr error
	chatReply string
	chatErr   error
	chatCalls []string // "<id>:<text>"
}

func (f *fakeFleet) Launch(ctx context.Context, opts fleet.LaunchOptions) (instance.Instance, error) {
	f.launched = append(f.launched, opts)
	return f.launchRes, f.launchErr
}

func (f *fakeFleet) Destroy(ctx context.Context, id string) error {
	f.destroyed = append(f.destroyed, id)
	return f.deleteErr
}

func (f *fakeFleet) SendMessage(ctx context.Context, id, text string) (string, error) {
	f.chatCalls = append(f.chatCalls, id+":"+text)
	return f.chatReply, f.chatErr
}

func newTestServer(t *testing.T, f *fakeFleet) (*httptest.Server, *instance.Store) {
	t.Helper()
	store, err := instance.NewStore(filepath.Join(t.TempDir(), "instances.json"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	srv := httptest.NewServer(NewHandler(store, f).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func decodeBody(t *testing.T, res *http.Response, v interface{}) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFleet{})
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestListInstancesHidesToken(t *testing.T) {
	srv, store := newTestServer(t, &fakeFleet{})
	store.Set("c1", instance.Instance{
		ID:        "c1",
		Status:    instance.StatusRunning,
		Addr:      "127.0.0.1:19000",
		AuthToken: "secret-token",
		OwnerID:   "alice",
		CreatedAt: time.Now().UTC(),
	})

	res, err := http.Get(srv.URL + "/api/instances")
	if err != nil {
		t.Fatalf("GET /api/instances error = %v", err)
	}
	var body struct {
		Instances []map[string]interface{} `json:"instances"`
	}
	decodeBody(t, res, &body)

	if len(body.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(body.Instances))
	}
	got := body.Instances[0]
	if got["id"] != "c1" || got["status"] != "running" || got["owner_id"] != "alice" {
		t.Errorf("instance view = %v", got)
	}
	for key, val := range got {
		if s, ok := val.(string); ok && s == "secret-token" {
			t.Errorf("auth token leaked in field %q", key)
		}
	}
}

func TestCreateInstance(t *testing.T) {
	f := &fakeFleet{launchRes: instance.Instance{
		ID:     "a1b2c3d4e5f6a7b8c9d0e1f2",
		Status: instance.StatusRunning,
		Addr:   "127.0.0.1:19000",
	}}
	srv, _ := newTestServer(t, f)

	res, err := http.Post(srv.URL+"/api/instances", "application/json",
		strings.NewReader(`{"owner_id":"alice","model_id":"m-lite"}`))
	if err != nil {
		t.Fatalf("POST /api/instances error = %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", res.StatusCode)
	}
	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, res, &view)
	if view.ID != "a1b2c3d4e5f6a7b8c9d0e1f2" || view.Status != "running" {
		t.Errorf("view = %+v", view)
	}

	if len(f.launched) != 1 || f.launched[0].OwnerID != "alice" || f.launched[0].ModelID != "m-lite" {
		t.Errorf("launch opts = %+v", f.launched)
	}
}

func TestCreateInstanceRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFleet{})
	res, err := http.Post(srv.URL+"/api/instances", "application/json",
		strings.NewReader(`{"owner_id":`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}

func TestDestroyInstance(t *testing.T) {
	f := &fakeFleet{}
	srv, _ := newTestServer(t, f)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/instances/c1", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", res.StatusCode)
	}
	if len(f.destroyed) != 1 || f.destroyed[0] != "c1" {
		t.Errorf("destroyed = %v, want [c1]", f.destroyed)
	}
}

func TestDestroyMissingInstance(t *testing.T) {
	f := &fakeFleet{deleteErr: fleet.ErrNotFound}
	srv, _ := newTestServer(t, f)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/instances/missing", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.StatusCode)
	}
}

func TestChat(t *testing.T) {
	f := &fakeFleet{chatReply: "assistant says hi"}
	srv, _ := newTestServer(t, f)

	res, err := http.Post(srv.URL+"/api/instances/c1/chat", "application/json",
		strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("POST chat error = %v", err)
	}
	var body struct {
		Reply string `json:"reply"`
	}
	decodeBody(t, res, &body)
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if body.Reply != "assistant says hi" {
		t.Errorf("reply = %q", body.Reply)
	}
	if len(f.chatCalls) != 1 || f.chatCalls[0] != "c1:hello" {
		t.Errorf("chat calls = %v", f.chatCalls)
	}
}

func TestChatStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fleet.ErrNotFound, http.StatusNotFound},
		{"not running", fleet.ErrNotRunning, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeFleet{chatErr: tt.err})
			res, err := http.Post(srv.URL+"/api/instances/c1/chat", "application/json",
				strings.NewReader(`{"text":"hello"}`))
			if err != nil {
				t.Fatalf("POST chat error = %v", err)
			}
			res.Body.Close()
			if res.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestChatRejectsEmptyText(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFleet{})
	res, err := http.Post(srv.URL+"/api/instances/c1/chat", "application/json",
		strings.NewReader(`{"text":""}`))
	if err != nil {
		t.Fatalf("POST chat error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	srv, store := newTestServer(t, &fakeFleet{})
	in := instance.Instance{ID: "c1", Status: instance.StatusRunning}
	in.AppendLog("record created")
	in.AppendLog("instance running")
	store.Set("c1", in)

	res, err := http.Get(srv.URL + "/api/instances/c1/logs")
	if err != nil {
		t.Fatalf("GET logs error = %v", err)
	}
	var body struct {
		Logs []instance.LogEntry `json:"logs"`
	}
	decodeBody(t, res, &body)
	if len(body.Logs) != 2 || body.Logs[1].Message != "instance running" {
		t.Errorf("logs = %+v", body.Logs)
	}

	res, err = http.Get(srv.URL + "/api/instances/missing/logs")
	if err != nil {
		t.Fatalf("GET logs error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeFleet{})
	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}
