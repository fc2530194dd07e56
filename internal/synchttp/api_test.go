package synchttp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/changes"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/trigger"
)

const (
	testSecret = "hook-secret"
	testToken  = "sync-token"
)

// fakeSyncer records triggers. When release is set it blocks until the
// channel is closed, after signalling started.
type fakeSyncer struct {
	mu      sync.Mutex
	events  []trigger.Event
	results []*changes.Result
	err     error

	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (f *fakeSyncer) HandleTrigger(ctx context.Context, ev trigger.Event) ([]*changes.Result, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.release != nil {
		close(f.started)
		<-f.release
	}
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return f.results, f.err
}

func (f *fakeSyncer) calls() []trigger.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trigger.Event(nil), f.events...)
}

type countingMetrics struct {
	mu       sync.Mutex
	rejected int
}

func (m *countingMetrics) IncSyncRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func newAPI(syncer *fakeSyncer, m syncstate.Metrics, secret, token string) *API {
	return NewAPI(Options{
		Runner:        syncstate.New(syncer, m),
		WebhookSecret: secret,
		SyncToken:     token,
	})
}

func newRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.MaxBody(1 << 10))
	api.RegisterRoutes(r)
	return r
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func hookRequest(event, body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, PathGitHubHook, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func syncRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, PathSync, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) SyncResponse {
	t.Helper()
	var resp SyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

const pushBody = `{
	"ref": "refs/heads/main",
	"before": "1111111111111111111111111111111111111111",
	"after": "2222222222222222222222222222222222222222",
	"repository": {"name": "site"}
}`

// routing

func TestRegisterRoutes_DisabledWithoutSecrets(t *testing.T) {
	h := newRouter(newAPI(&fakeSyncer{}, nil, "", ""))

	if rec := serve(h, hookRequest("push", pushBody, sign(pushBody))); rec.Code != http.StatusNotFound {
		t.Fatalf("hook without secret: status = %d, want 404", rec.Code)
	}
	if rec := serve(h, syncRequest(`{}`, testToken)); rec.Code != http.StatusNotFound {
		t.Fatalf("sync without token: status = %d, want 404", rec.Code)
	}
}

// github hook

func TestHandleGitHubHook_Push(t *testing.T) {
	res := changes.NewResult(changes.ResultParams{
		Range:            changes.NewRange("1111", "2222", "refs/heads/main"),
		PublishedCount:   2,
		DeletedCount:     1,
		InvalidatedPaths: []string{"/b.html", "/a.html"},
		BatchIDs:         []string{"I1"},
	})
	syncer := &fakeSyncer{results: []*changes.Result{res}}
	h := newRouter(newAPI(syncer, nil, testSecret, ""))

	rec := serve(h, hookRequest("push", pushBody, sign(pushBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	calls := syncer.calls()
	if len(calls) != 1 {
		t.Fatalf("HandleTrigger calls = %d, want 1", len(calls))
	}
	ev := calls[0]
	if ev.ID != "delivery-1" || len(ev.Records) != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if r := ev.Records[0]; r.Repository != "site" || r.Ref != "refs/heads/main" || r.After != "2222222222222222222222222222222222222222" {
		t.Fatalf("record = %+v", r)
	}

	resp := decode(t, rec)
	if resp.Status != StatusOK || resp.EventID != "delivery-1" || len(resp.Results) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	got := resp.Results[0]
	if got.Published != 2 || got.Deleted != 1 || got.After != "2222" {
		t.Fatalf("result = %+v", got)
	}
	if strings.Join(got.Invalidated, ",") != "/a.html,/b.html" {
		t.Fatalf("invalidated = %v", got.Invalidated)
	}
}

func TestHandleGitHubHook_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		body      string
		signature string
		want      int
	}{
		{"missing signature", "push", pushBody, "", http.StatusUnauthorized},
		{"wrong signature", "push", pushBody, sign(pushBody + " "), http.StatusUnauthorized},
		{"ping", "ping", `{"zen":"keep it simple","hook_id":1}`, sign(`{"zen":"keep it simple","hook_id":1}`), http.StatusOK},
		{"other event", "issues", `{"action":"opened"}`, sign(`{"action":"opened"}`), http.StatusAccepted},
		{"too large", "push", strings.Repeat("x", 2<<10), sign(strings.Repeat("x", 2<<10)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{}
			h := newRouter(newAPI(syncer, nil, testSecret, ""))

			rec := serve(h, hookRequest(tt.event, tt.body, tt.signature))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if n := len(syncer.calls()); n != 0 {
				t.Fatalf("HandleTrigger called %d times", n)
			}
		})
	}
}

// manual sync

func TestHandleSync(t *testing.T) {
	valid := `{"id":"manual-1","records":[{"ref":"refs/heads/main","before":"aaa","after":"bbb"}]}`
	tests := []struct {
		name  string
		body  string
		token string
		want  int
		calls int
	}{
		{"ok", valid, testToken, http.StatusOK, 1},
		{"no token", valid, "", http.StatusUnauthorized, 0},
		{"wrong token", valid, "nope", http.StatusUnauthorized, 0},
		{"bad json", `{"records":`, testToken, http.StatusBadRequest, 0},
		{"unknown field", `{"records":[],"force":true}`, testToken, http.StatusBadRequest, 0},
		{"no records", `{"records":[]}`, testToken, http.StatusBadRequest, 0},
		{"record without after", `{"records":[{"ref":"refs/heads/main"}]}`, testToken, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{}
			h := newRouter(newAPI(syncer, nil, "", testToken))

			rec := serve(h, syncRequest(tt.body, tt.token))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if n := len(syncer.calls()); n != tt.calls {
				t.Fatalf("HandleTrigger calls = %d, want %d", n, tt.calls)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("401 without WWW-Authenticate")
			}
		})
	}
}

func TestHandleSync_DefaultsEventIDToRequestID(t *testing.T) {
	syncer := &fakeSyncer{}
	h := httpmw.RequestID()(newRouter(newAPI(syncer, nil, "", testToken)))

	req := syncRequest(`{"records":[{"ref":"refs/heads/main","after":"bbb"}]}`, testToken)
	req.Header.Set(httpmw.HeaderRequestID, "deploy-42")
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	calls := syncer.calls()
	if len(calls) != 1 || calls[0].ID != "deploy-42" {
		t.Fatalf("events = %+v", calls)
	}
	if resp := decode(t, rec); resp.EventID != "deploy-42" {
		t.Fatalf("event_id = %q", resp.EventID)
	}
}

func TestHandleSync_EngineError(t *testing.T) {
	res := changes.NewResult(changes.ResultParams{
		Range:          changes.NewRange("aaa", "bbb", "refs/heads/main"),
		PublishedCount: 1,
		Errors:         []changes.PathError{{Path: "b.html", Cause: errors.New("access denied")}},
	})
	syncer := &fakeSyncer{results: []*changes.Result{res}, err: errors.New("partial publish: 1 path failed")}
	h := newRouter(newAPI(syncer, nil, "", testToken))

	rec := serve(h, syncRequest(`{"records":[{"ref":"refs/heads/main","after":"bbb"}]}`, testToken))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp.Status != StatusFailed || !strings.Contains(resp.Error, "partial publish") {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Results) != 1 || len(resp.Results[0].Errors) != 1 || resp.Results[0].Errors[0].Error != "access denied" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestHandleSync_DetachedFromClient(t *testing.T) {
	syncer := &fakeSyncer{}
	h := newRouter(newAPI(syncer, nil, "", testToken))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	req := syncRequest(`{"records":[{"ref":"main","after":"bbb"}]}`, testToken).WithContext(ctx)
	if rec := serve(h, req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if syncer.ctxErr != nil {
		t.Fatalf("sync context was cancelled with the request: %v", syncer.ctxErr)
	}
}

// gate

func TestRun_RejectsConcurrentSync(t *testing.T) {
	syncer := &fakeSyncer{started: make(chan struct{}), release: make(chan struct{})}
	m := &countingMetrics{}
	h := newRouter(newAPI(syncer, m, "", testToken))
	body := `{"records":[{"ref":"main","after":"bbb"}]}`

	first := make(chan int, 1)
	go func() {
		first <- serve(h, syncRequest(body, testToken)).Code
	}()

	select {
	case <-syncer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never started")
	}

	if rec := serve(h, syncRequest(body, testToken)); rec.Code != http.StatusConflict {
		t.Fatalf("concurrent sync: status = %d, want 409", rec.Code)
	}
	m.mu.Lock()
	rejected := m.rejected
	m.mu.Unlock()
	if rejected != 1 {
		t.Fatalf("rejected = %d, want 1", rejected)
	}

	close(syncer.release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first sync: status = %d", code)
	}

	// gate is free again
	syncer.started, syncer.release = nil, nil
	if rec := serve(h, syncRequest(body, testToken)); rec.Code != http.StatusOK {
		t.Fatalf("after release: status = %d", rec.Code)
	}
}

// status

func TestHandleStatus(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("diff failed")}
	h := newRouter(newAPI(syncer, nil, "", testToken))

	statusReq := func(token string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, PathStatus, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req
	}

	if rec := serve(h, statusReq("")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec := serve(h, statusReq(testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var empty StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Last != nil || empty.Running != nil || empty.ServerTime.IsZero() {
		t.Fatalf("empty status = %+v", empty)
	}

	serve(h, syncRequest(`{"id":"m1","records":[{"ref":"main","after":"bbb"}]}`, testToken))

	rec = serve(h, statusReq(testToken))
	var got StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Last == nil || got.Last.EventID != "m1" || got.Last.Origin != syncstate.OriginManual {
		t.Fatalf("last = %+v", got.Last)
	}
	if got.Last.Error != "diff failed" || got.Last.FinishedAt == nil {
		t.Fatalf("last = %+v", got.Last)
	}
	if got.LastSuccess != nil {
		t.Fatalf("last success = %+v", got.LastSuccess)
	}
}
