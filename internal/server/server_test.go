package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/semaphore"

	"vigil/internal/config"
	"vigil/internal/governance"
	"vigil/internal/store"
	"vigil/internal/types"
)

// Transports must not leak: every dispatch goroutine ends with its request.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestServer builds a server over an in-memory store with no collaborator
// and no embedding engine. Lock backoff is shortened so contention stays fast.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:", store.DefaultOptions())
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Governance.LockRetries = 10
	cfg.Governance.LockBackoffBase = "5ms"

	svc, err := governance.New(cfg, st, nil, nil)
	if err != nil {
		t.Fatalf("governance.New failed: %v", err)
	}
	return New(cfg, svc)
}

// envelope mirrors one HTTP response body, success or error.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// post runs one operation against the router and decodes the envelope.
func post(t *testing.T, r http.Handler, op, session string, args interface{}) (int, envelope) {
	t.Helper()
	var body io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/"+op, body)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("POST %s: undecodable body (%d): %s", op, rec.Code, rec.Body.String())
	}
	return rec.Code, env
}

// result decodes a success envelope into out, failing on error envelopes.
func result(t *testing.T, code int, env envelope, out interface{}) {
	t.Helper()
	if env.Error != nil {
		t.Fatalf("unexpected error envelope (%d): %s: %s", code, env.Error.Code, env.Error.Message)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func wantWireError(t *testing.T, code int, env envelope, wantStatus int, wantCode string) *wireError {
	t.Helper()
	if code != wantStatus {
		t.Fatalf("status = %d, want %d (body error: %+v)", code, wantStatus, env.Error)
	}
	if env.Error == nil {
		t.Fatalf("expected %q error, got success: %s", wantCode, env.Result)
	}
	if env.Error.Code != wantCode {
		t.Fatalf("error code = %q, want %q (message: %s)", env.Error.Code, wantCode, env.Error.Message)
	}
	return env.Error
}

func TestHealthzAndRequestID(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}

	var rep types.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode health report: %v", err)
	}
	if !rep.Healthy || !rep.StorageOK {
		t.Errorf("healthy=%v storage_ok=%v, want both true", rep.Healthy, rep.StorageOK)
	}
}

func TestCatalogListsEveryOperation(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/ops", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/ops = %d, want 200", rec.Code)
	}

	var body struct {
		Operations []OpInfo `json:"operations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}

	want := []string{
		"archive_agent", "decay", "delete_agent", "direct_resume_if_safe",
		"get_dialectic", "get_history", "get_metrics", "health_check",
		"identity", "leave_note", "list_agents", "onboard", "process_update",
		"request_dialectic_review", "search_discoveries", "store_discovery",
		"submit_antithesis", "submit_synthesis", "submit_thesis",
		"update_discovery_status", "update_metadata",
	}
	if len(body.Operations) != len(want) {
		t.Fatalf("catalog has %d operations, want %d", len(body.Operations), len(want))
	}
	for i, op := range body.Operations {
		if op.Name != want[i] {
			t.Errorf("catalog[%d] = %q, want %q (must be sorted)", i, op.Name, want[i])
		}
		if op.TimeoutMs <= 0 {
			t.Errorf("catalog[%d] %s has no timeout", i, op.Name)
		}
	}

	auth := map[string]bool{}
	for _, op := range body.Operations {
		auth[op.Name] = op.RequiresAuth
	}
	if !auth["process_update"] || !auth["delete_agent"] {
		t.Error("process_update and delete_agent must be marked requires_auth")
	}
	if auth["onboard"] || auth["health_check"] {
		t.Error("onboard and health_check must not be marked requires_auth")
	}
}

func TestOnboardIdentityRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	code, env := post(t, r, "onboard", "sess-a", map[string]string{"agent_id": "alpha"})
	var ob struct {
		UUID       string `json:"uuid"`
		AgentID    string `json:"agent_id"`
		APIKeyHint string `json:"api_key_hint"`
	}
	result(t, code, env, &ob)
	if code != http.StatusOK || ob.AgentID != "alpha" {
		t.Fatalf("onboard = %d %+v, want 200 alpha", code, ob)
	}
	if !strings.HasPrefix(ob.APIKeyHint, "vg_") {
		t.Errorf("api_key_hint = %q, want vg_ prefix", ob.APIKeyHint)
	}

	code, env = post(t, r, "identity", "sess-a", nil)
	var id struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	result(t, code, env, &id)
	if id.AgentID != "alpha" || id.Status != "active" {
		t.Errorf("identity = %+v, want alpha/active", id)
	}

	// A session that never onboarded has no identity.
	code, env = post(t, r, "identity", "sess-stranger", nil)
	wantWireError(t, code, env, http.StatusUnauthorized, "not_bound")
}

func TestUnknownOperation(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	code, env := post(t, r, "divine_intervention", "sess-a", nil)
	we := wantWireError(t, code, env, http.StatusBadRequest, "invalid_argument")
	if !strings.Contains(we.Message, "unknown operation") {
		t.Errorf("message = %q, want mention of unknown operation", we.Message)
	}
}

func TestStrictArgumentDecoding(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	// Misspelled field names must fail loudly, not silently drop the value.
	code, env := post(t, r, "process_update", "sess-a", map[string]interface{}{
		"respons_text": "typo",
		"complexity":   0.2,
	})
	we := wantWireError(t, code, env, http.StatusBadRequest, "invalid_argument")
	if !strings.Contains(we.Message, "unknown field") {
		t.Errorf("message = %q, want decode complaint about the unknown field", we.Message)
	}
}

func TestUpdateWithoutIdentity(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	code, env := post(t, r, "process_update", "sess-nobody", map[string]interface{}{
		"response_text": "who am I",
		"complexity":    0.2,
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
	if env.Error == nil || (env.Error.Code != "not_bound" && env.Error.Code != "auth_required") {
		t.Fatalf("error = %+v, want not_bound or auth_required", env.Error)
	}
}

func TestBodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	huge := strings.Repeat("x", maxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/process_update", strings.NewReader(huge))
	req.Header.Set(SessionHeader, "sess-a")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Error == nil {
		t.Fatalf("oversized body response undecodable: %s", rec.Body.String())
	}
	if env.Error.Code != "invalid_argument" {
		t.Errorf("code = %q, want invalid_argument", env.Error.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	// Unknown agent on a read: 404.
	code, env := post(t, r, "get_metrics", "", map[string]string{"agent_id": "ghost"})
	wantWireError(t, code, env, http.StatusNotFound, "not_found")

	// Reserved label on onboard: 400 invalid_identifier.
	code, env = post(t, r, "onboard", "", map[string]string{"agent_id": "system"})
	wantWireError(t, code, env, http.StatusBadRequest, "invalid_identifier")

	// Malformed uuid: 400.
	code, env = post(t, r, "get_dialectic", "", map[string]string{"session_id": "not-a-uuid"})
	wantWireError(t, code, env, http.StatusBadRequest, "invalid_argument")

	// Bad history format: 400.
	code, env = post(t, r, "get_history", "", map[string]interface{}{"agent_id": "ghost", "format": "yaml"})
	wantWireError(t, code, env, http.StatusBadRequest, "invalid_argument")
}

// TestPauseAndReviewOverHTTP drives an agent into the breaker through the
// transport and opens a dialectic review, checking the protocol statuses an
// integrating agent would see: 409 on the paused update with a recovery
// hint, then a ticket naming a peer reviewer.
func TestPauseAndReviewOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	r := srv.buildRouter()

	// A healthy peer: two near-identical calm turns give it the coherence
	// and risk record the reviewer pool wants.
	post(t, r, "onboard", "sess-steady", map[string]string{"agent_id": "steady"})
	for i := 0; i < 2; i++ {
		code, env := post(t, r, "process_update", "sess-steady", map[string]interface{}{
			"response_text": "steady progress on the task at hand",
			"complexity":    0.1,
		})
		if code != http.StatusOK {
			t.Fatalf("steady update %d = %d (%+v)", i+1, code, env.Error)
		}
	}

	post(t, r, "onboard", "sess-wild", map[string]string{"agent_id": "wild"})

	var breakerHit *wireError
	for i := 0; i < 30; i++ {
		code, env := post(t, r, "process_update", "sess-wild", map[string]interface{}{
			"response_text": "pressing on with the same approach",
			"complexity":    0.9,
			"ethical_drift": []float64{0.5, 0.5, 0.5},
		})
		if code == http.StatusOK {
			continue
		}
		breakerHit = wantWireError(t, code, env, http.StatusConflict, "agent_paused")
		break
	}
	if breakerHit == nil {
		t.Fatal("agent never paused over 30 stress updates")
	}
	if breakerHit.Recovery != "direct_resume_if_safe" {
		t.Errorf("recovery = %q, want direct_resume_if_safe", breakerHit.Recovery)
	}

	code, env := post(t, r, "request_dialectic_review", "sess-wild", map[string]string{
		"reason": "breaker tripped during stress",
	})
	var ticket struct {
		SessionID string `json:"session_id"`
		Reviewer  string `json:"reviewer"`
		LLMBacked bool   `json:"llm_backed"`
		Phase     string `json:"phase"`
	}
	result(t, code, env, &ticket)
	if ticket.SessionID == "" || ticket.Phase != "thesis" {
		t.Fatalf("ticket = %+v, want a session in thesis phase", ticket)
	}
	if ticket.LLMBacked || ticket.Reviewer != "steady" {
		t.Errorf("ticket reviewer = %q llm=%v, want steady peer", ticket.Reviewer, ticket.LLMBacked)
	}

	code, env = post(t, r, "get_dialectic", "", map[string]string{"session_id": ticket.SessionID})
	var view struct {
		Session struct {
			Phase string `json:"phase"`
		} `json:"session"`
		Transcript []json.RawMessage `json:"transcript"`
	}
	result(t, code, env, &view)
	if view.Session.Phase != "thesis" || len(view.Transcript) != 0 {
		t.Errorf("fresh session = phase %s with %d messages, want thesis and none",
			view.Session.Phase, len(view.Transcript))
	}
}

func TestConcurrencyGateAnswersBusy(t *testing.T) {
	srv := newTestServer(t)
	srv.sem = semaphore.NewWeighted(1)
	r := srv.buildRouter()

	// Hold the only slot, then watch a deadline-bound request bounce.
	if err := srv.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status while saturated = %d, want 429", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Error == nil {
		t.Fatalf("busy body undecodable: %s", rec.Body.String())
	}
	if env.Error.Code != "busy" || !env.Error.Retryable {
		t.Errorf("busy error = %+v, want retryable busy", env.Error)
	}

	srv.sem.Release(1)
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status after release = %d, want 200", rec.Code)
	}
}

func TestListenRejectsTakenPort(t *testing.T) {
	first := newTestServer(t)
	first.cfg.Server.Host = "127.0.0.1"
	first.cfg.Server.Port = 0
	if err := first.Listen(); err != nil {
		t.Fatalf("Listen on :0 failed: %v", err)
	}
	t.Cleanup(func() { first.listener.Close() })

	addr := first.Addr()
	var port int
	if _, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":"):], ":%d", &port); err != nil {
		t.Fatalf("cannot parse port from %q", addr)
	}

	second := newTestServer(t)
	second.cfg.Server.Host = "127.0.0.1"
	second.cfg.Server.Port = port
	if err := second.Listen(); err == nil {
		second.listener.Close()
		t.Fatal("second Listen on a taken port succeeded")
	}
}
