package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"pinklemonade/internal/config"
	"pinklemonade/internal/db"
	"pinklemonade/internal/domain"
	"pinklemonade/internal/migrate"
	"pinklemonade/internal/workflow"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL     string
	Manager workflow.Manager
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := workflow.New(conn, cfg, nil)
	ctx := context.Background()
	if err := m.Repo.InsertOrg(ctx, domain.Org{ID: "org-1", Name: "Test Org", Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	if err := m.Repo.UpsertOrgConfig(ctx, "org-1", cfg); err != nil {
		t.Fatalf("seed org config: %v", err)
	}
	handler, err := New(Config{
		Manager:  m,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
		URL:     "http://" + ln.Addr().String(),
		Manager: m,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func signToken(t *testing.T, subject, orgID string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID: orgID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
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

func createGrant(t *testing.T, srv *testServer, body map[string]any) GrantResponse {
	t.Helper()
	if _, ok := body["org_id"]; !ok {
		body["org_id"] = "org-1"
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/grants", body, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create grant status %d: %s", res.StatusCode, string(data))
	}
	var g GrantResponse
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal grant: %v", err)
	}
	return g
}

func TestGrantLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	g := createGrant(t, srv, map[string]any{
		"title":       "After-school STEM",
		"funder":      "Acme Foundation",
		"eligibility": "501c3 in good standing",
	})
	if g.ApplicationStage != "discovery" || g.Status != "active" {
		t.Fatalf("unexpected defaults %+v", g)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/grants/"+g.ID+"/move", map[string]any{
		"stage": "researching",
		"notes": "fits our mission",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}
	var moved MoveResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatal(err)
	}
	if moved.From != "discovery" || moved.To != "researching" {
		t.Fatalf("unexpected move %+v", moved)
	}

	// skipping ahead is a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grants/"+g.ID+"/move", map[string]any{"stage": "review"}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	// unknown stage is a bad request
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/grants/"+g.ID+"/move", map[string]any{"stage": "archived"}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}

func TestMoveValidationReturns422WithMissingFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	g := createGrant(t, srv, map[string]any{"title": "Not vetted"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/grants/"+g.ID+"/move", map[string]any{"stage": "researching"}, actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "missing_required_fields" {
		t.Fatalf("unexpected code %s", envelope.Error.Code)
	}
	missing, _ := envelope.Error.Details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "eligibility" {
		t.Fatalf("missing list: %v", envelope.Error.Details)
	}
}

func TestBatchMoveOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ok := createGrant(t, srv, map[string]any{"title": "Eligible", "eligibility": "yes"})
	blocked := createGrant(t, srv, map[string]any{"title": "Blocked"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/grants/batch-move", map[string]any{
		"grant_ids": []string{ok.ID, blocked.ID},
		"stage":     "researching",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var result workflow.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Moved) != 1 || len(result.Failed) != 1 {
		t.Fatalf("unexpected batch result %+v", result)
	}
}

func TestChecklistOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	g := createGrant(t, srv, map[string]any{"title": "Listed"})
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/grants/"+g.ID+"/checklist", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checklist status %d: %s", res.StatusCode, string(data))
	}
	var status workflow.ChecklistStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Items) == 0 {
		t.Fatal("expected seeded checklist")
	}

	key := status.Items[0].Key
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/grants/"+g.ID+"/checklist/"+key, map[string]any{"completed": true}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.CompletedCount != 1 {
		t.Fatalf("toggle not reflected: %+v", status)
	}

	res, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/grants/"+g.ID+"/checklist/no-such-key", map[string]any{"completed": true}, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item, got %d", res.StatusCode)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createGrant(t, srv, map[string]any{"title": "A", "amount_max_cents": 1000000})
	createGrant(t, srv, map[string]any{"title": "B"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/org-1/pipeline", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", res.StatusCode, string(data))
	}
	var p workflow.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Metrics.TotalGrants != 2 || len(p.Stages) != 9 {
		t.Fatalf("unexpected pipeline %+v", p.Metrics)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/grants?org_id=org-1", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestOrgOwnershipEnforcedForJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	g := createGrant(t, srv, map[string]any{"title": "Owned by org-1"})

	outsider := map[string]string{"Authorization": "Bearer " + signToken(t, "intruder", "org-2")}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/grants/"+g.ID, nil, outsider)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	member := map[string]string{"Authorization": "Bearer " + signToken(t, "dev", "org-1")}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/grants/"+g.ID, nil, member)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for same-org token, got %d", res.StatusCode)
	}
}

func TestStagesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages status %d", res.StatusCode)
	}
	var stages []map[string]any
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatal(err)
	}
	if len(stages) != 9 {
		t.Fatalf("expected 9 stages, got %d", len(stages))
	}
	if stages[0]["key"] != "discovery" {
		t.Fatalf("stages not in pipeline order: %v", stages[0])
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	g := createGrant(t, srv, map[string]any{"title": "Audited", "funder": "Foundation", "eligibility": "eligible"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/grants/"+g.ID+"/move", map[string]any{"stage": "researching"}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/org-1/events", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []struct {
		Type    string          `json:"type"`
		OrgID   string          `json:"org_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(events), string(data))
	}
	if events[0].Type != "grant.stage.moved" || events[0].OrgID != "org-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	var payload map[string]any
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["to"] != "researching" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	received := make(chan webhookEvent, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-PinkLemonade-Secret"); got != "shh" {
			t.Errorf("secret header: %q", got)
		}
		if r.Header.Get("X-PinkLemonade-Org") != "org-1" {
			t.Errorf("org header: %q", r.Header.Get("X-PinkLemonade-Org"))
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		received <- evt
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	g := createGrant(t, srv, map[string]any{"title": "Hooked", "funder": "Foundation", "eligibility": "eligible"})
	if _, err := srv.Manager.MoveToStage(context.Background(), workflow.MoveOptions{GrantID: g.ID, Stage: "researching", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	d := &webhookDispatcher{
		manager: srv.Manager,
		orgID:   "org-1",
		webhooks: []config.WebhookConfig{{
			URL:    hook.URL,
			Secret: "shh",
			Events: []string{"grant.stage.moved"},
		}},
		client:  &http.Client{Timeout: time.Second},
		log:     zap.NewNop(),
		cursors: map[int]int64{0: 0},
	}
	d.dispatchAll()

	select {
	case evt := <-received:
		if evt.Type != "grant.stage.moved" || evt.OrgID != "org-1" {
			t.Fatalf("unexpected delivery: %+v", evt)
		}
	default:
		t.Fatal("no webhook delivered")
	}
	// grant.created is filtered out, so only one delivery happens
	select {
	case evt := <-received:
		t.Fatalf("unexpected extra delivery: %+v", evt)
	default:
	}
}
