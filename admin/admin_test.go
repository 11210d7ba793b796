package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rpcbridge/registry"
	"rpcbridge/supervisor"
)

type fakeStatus struct {
	routes []supervisor.RouteState
}

func (f *fakeStatus) Routes() []supervisor.RouteState { return f.routes }

func (f *fakeStatus) Healthy() bool {
	for _, r := range f.routes {
		if r.State != supervisor.Active {
			return false
		}
	}
	return len(f.routes) > 0
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	st := &fakeStatus{routes: []supervisor.RouteState{
		{Name: "/add", State: supervisor.Active},
		{Name: "/fibonacci", State: supervisor.Degraded},
	}}
	srv := httptest.NewServer(Handler(st, nil, nil))
	defer srv.Close()

	code, body := get(t, srv, "/healthz")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "/fibonacci=degraded") {
		t.Fatalf("expect 503 naming the degraded route, got %d %q", code, body)
	}

	st.routes[1].State = supervisor.Active
	if code, _ := get(t, srv, "/healthz"); code != http.StatusOK {
		t.Fatalf("expect 200 once every route is active, got %d", code)
	}
}

func TestRoutes(t *testing.T) {
	st := &fakeStatus{routes: []supervisor.RouteState{
		{Name: "/add", Kind: "service", Direction: "zenoh_to_ros", State: supervisor.Active},
		{Name: "/robot/fibonacci", Kind: "action", Direction: "zenoh_to_ros", State: supervisor.Failed, Error: "invalid_name"},
	}}
	srv := httptest.NewServer(Handler(st, nil, nil))
	defer srv.Close()

	code, body := get(t, srv, "/routes")
	if code != http.StatusOK {
		t.Fatalf("expect 200, got %d", code)
	}
	var routes []supervisor.RouteState
	if err := json.Unmarshal([]byte(body), &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[1].State != supervisor.Failed {
		t.Fatalf("unexpected routes %+v", routes)
	}

	code, body = get(t, srv, "/routes/robot/fibonacci")
	if code != http.StatusOK || !strings.Contains(body, `"state":"failed"`) {
		t.Fatalf("unexpected single route reply %d %q", code, body)
	}
	if code, _ := get(t, srv, "/routes/nope"); code != http.StatusNotFound {
		t.Fatalf("expect 404, got %d", code)
	}
}

func TestRegistryView(t *testing.T) {
	reg := registry.NewMemory()
	reg.Register(context.Background(), registry.RouteStatus{Bridge: "b1", Route: "/add", State: "active", Since: time.Now()}, 10)
	srv := httptest.NewServer(Handler(&fakeStatus{}, reg, nil))
	defer srv.Close()

	code, body := get(t, srv, "/registry")
	if code != http.StatusOK || !strings.Contains(body, `"bridge":"b1"`) {
		t.Fatalf("unexpected registry reply %d %q", code, body)
	}

	bare := httptest.NewServer(Handler(&fakeStatus{}, nil, nil))
	defer bare.Close()
	if code, _ := get(t, bare, "/registry"); code != http.StatusNotFound {
		t.Fatalf("expect 404 without registry, got %d", code)
	}
}

func TestMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler(&fakeStatus{}, nil, nil))
	defer srv.Close()

	code, body := get(t, srv, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("unexpected metrics reply %d", code)
	}
}
