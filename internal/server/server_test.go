package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"helixctl/internal/db"
	"helixctl/internal/domain"
	"helixctl/internal/migrate"
	"helixctl/internal/tracker"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	trk := tracker.New(conn)
	handler, err := New(Config{
		Tracker:  trk,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: testSecret, AdminEmails: []string{"root@example.com"}},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func login(t *testing.T, srv *testServer, email, role string) map[string]string {
	t.Helper()
	body := map[string]string{"email": email}
	if role != "" {
		body["role"] = role
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/dev/login/", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func createRequest(t *testing.T, srv *testServer, headers map[string]string, title string) domain.Request {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests/", map[string]string{
		"title": title,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var r domain.Request
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return r
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health/", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginRoleIsOptional(t *testing.T) {
	srv := newTestServer(t)

	// Both the absent key and an explicit empty string mean "keep the
	// stored role"; neither may be rejected.
	for _, body := range []map[string]string{
		{"email": "alice@example.com"},
		{"email": "alice@example.com", "role": ""},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/dev/login/", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("login with body %v: status %d: %s", body, res.StatusCode, string(data))
		}
		var out DevLoginResponse
		if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
			t.Fatalf("login with body %v: no token in %s", body, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/dev/login/", map[string]string{
		"email": "alice@example.com",
		"role":  "OVERLORD",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown role status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingAndInvalidCredentials(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status %d", res.StatusCode)
	}
	if strings.Contains(string(data), "token") {
		t.Errorf("missing-credentials body must not mention the token: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "token") {
		t.Errorf("invalid-token body must mention the token: %s", data)
	}
}

func TestCreateAndListOwnRequests(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "alice@example.com", "")
	bob := login(t, srv, "bob@example.com", "")

	created := createRequest(t, srv, alice, "new laptop")
	if created.Status != "PENDING" || created.Priority != "MEDIUM" {
		t.Errorf("created = %+v", created)
	}
	if created.OwnerEmail != "alice@example.com" {
		t.Errorf("owner = %s", created.OwnerEmail)
	}
	createRequest(t, srv, bob, "more coffee")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page struct {
		Count    int               `json:"count"`
		Next     *string           `json:"next"`
		Previous *string           `json:"previous"`
		Results  *[]domain.Request `json:"results"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Results == nil {
		t.Fatal("results key missing from envelope")
	}
	if page.Count != 1 || len(*page.Results) != 1 {
		t.Fatalf("alice should see only her request: %s", data)
	}
	if (*page.Results)[0].ID != created.ID {
		t.Errorf("listed id = %s", (*page.Results)[0].ID)
	}
}

func TestAdminEndpointsForbiddenForUsers(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "alice@example.com", "")
	r := createRequest(t, srv, alice, "escalate me")

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/admin/requests/"},
		{http.MethodPatch, "/api/admin/requests/" + r.ID + "/"},
		{http.MethodPost, "/api/admin/requests/" + r.ID + "/assign/"},
		{http.MethodGet, "/api/admin/requests/" + r.ID + "/activities/"},
	}
	for _, p := range paths {
		var body any
		switch p.method {
		case http.MethodPatch:
			body = map[string]any{"status": "REVIEWING"}
		case http.MethodPost:
			body = map[string]any{"assigned_to": "ops@example.com"}
		}
		res, data := doJSON(t, srv.Client(), p.method, srv.URL+p.path, body, alice)
		if res.StatusCode != http.StatusForbidden {
			t.Errorf("%s %s status %d: %s", p.method, p.path, res.StatusCode, string(data))
		}
	}
}

func TestAdminLifecycleAndActivities(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "alice@example.com", "")
	admin := login(t, srv, "boss@example.com", "ADMIN")
	r := createRequest(t, srv, alice, "broken build")

	// Admin sees everyone's requests.
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/admin/requests/", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list status %d: %s", res.StatusCode, string(data))
	}

	// Legal transition with a priority bump in one call.
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/admin/requests/"+r.ID+"/", map[string]string{
		"status":   "REVIEWING",
		"priority": "HIGH",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.Request
	_ = json.Unmarshal(data, &updated)
	if updated.Status != "REVIEWING" || updated.Priority != "HIGH" {
		t.Errorf("updated = %+v", updated)
	}
	if !timeAfter(t, updated.UpdatedAt, r.UpdatedAt) {
		t.Errorf("updated_at did not advance: %s -> %s", r.UpdatedAt, updated.UpdatedAt)
	}

	// Illegal transition names the offending move.
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/admin/requests/"+r.ID+"/", map[string]string{
		"status": "CLOSED",
	}, admin)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "REVIEWING") || !strings.Contains(string(data), "CLOSED") {
		t.Errorf("error should name both statuses: %s", data)
	}

	// Empty patch is a bad request.
	res, _ = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/admin/requests/"+r.ID+"/", map[string]string{}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("empty patch status %d", res.StatusCode)
	}

	// Assign, then clear.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/admin/requests/"+r.ID+"/assign/", map[string]any{
		"assigned_to": "ops@example.com",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/admin/requests/"+r.ID+"/assign/", map[string]any{
		"assigned_to": nil,
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unassign status %d: %s", res.StatusCode, string(data))
	}
	var cleared domain.Request
	_ = json.Unmarshal(data, &cleared)
	if cleared.AssignedTo != nil {
		t.Errorf("assigned_to should be cleared, got %v", cleared.AssignedTo)
	}

	// Audit trail records it all, in order, wrapped in the list envelope.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/admin/requests/"+r.ID+"/activities/", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activities status %d: %s", res.StatusCode, string(data))
	}
	var actPage struct {
		Count   int               `json:"count"`
		Results []domain.Activity `json:"results"`
	}
	if err := json.Unmarshal(data, &actPage); err != nil {
		t.Fatalf("decode activities: %v", err)
	}
	actions := make([]string, 0, len(actPage.Results))
	for _, a := range actPage.Results {
		actions = append(actions, a.Action)
	}
	want := []string{
		domain.ActionCreated, domain.ActionStatusChanged, domain.ActionPriorityChanged,
		domain.ActionAssigned, domain.ActionUnassigned,
	}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestOwnerScopedReads(t *testing.T) {
	srv := newTestServer(t)
	alice := login(t, srv, "alice@example.com", "")
	bob := login(t, srv, "bob@example.com", "")
	r := createRequest(t, srv, alice, "private matter")

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/"+r.ID+"/", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Errorf("owner read status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/"+r.ID+"/", nil, bob)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("stranger read status %d, want 404", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/requests/"+r.ID+"/activities/", nil, bob)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("stranger activities status %d, want 404", res.StatusCode)
	}
}

func TestMeAndAdminEmailPromotion(t *testing.T) {
	srv := newTestServer(t)
	user := login(t, srv, "alice@example.com", "")
	promoted := login(t, srv, "root@example.com", "")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/auth/me/", nil, user)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var p ProfileResponse
	_ = json.Unmarshal(data, &p)
	if p.Email != "alice@example.com" || p.Role != domain.RoleUser {
		t.Errorf("profile = %+v", p)
	}

	// root@example.com is on the admin-email list; role follows.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/auth/me/", nil, promoted)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &p)
	if p.Role != domain.RoleAdmin {
		t.Errorf("promoted role = %s, want ADMIN", p.Role)
	}
}

func timeAfter(t *testing.T, a, b string) bool {
	t.Helper()
	ta, err := time.Parse(time.RFC3339, a)
	if err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	tb, err := time.Parse(time.RFC3339, b)
	if err != nil {
		t.Fatalf("parse %q: %v", b, err)
	}
	return ta.After(tb)
}
