package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"margin/api/internal/session"
	"margin/api/internal/store"
)

func newTestHTTPServer(t *testing.T) (*Service, *fakeStore, http.Handler) {
	t.Helper()
	svc, fs := newSeededService(t)
	return svc, fs, NewHTTPServer(svc, "http://app.test").Handler()
}

func tokenFor(t *testing.T, svc *Service, s Session) string {
	t.Helper()
	issued, err := svc.issueSession(store.User{ID: s.UserID, DisplayName: s.UserName, Email: s.UserID[4:] + "@example.edu"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return issued.Token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	_, fs, handler := newTestHTTPServer(t)

	rr := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready 200, got %d: %s", rr.Code, rr.Body.String())
	}

	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected ready 503, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, handler := newTestHTTPServer(t)
	doRequest(t, handler, http.MethodGet, "/api/health", "", nil)

	rr := doRequest(t, handler, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "margin_http_request_duration_seconds") {
		t.Fatal("expected request latency histogram in metrics output")
	}
}

func TestSignUpSignInAndSignOut(t *testing.T) {
	svc, _, _ := newTestHTTPServer(t)
	mr := miniredis.RunT(t)
	svc.revoker = session.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	handler := NewHTTPServer(svc, "").Handler()

	rr := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":       "erin@example.edu",
		"password":    "correct-horse",
		"displayName": "Erin Evans",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected signup 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":       "ERIN@example.edu",
		"password":    "correct-horse",
		"displayName": "Erin Again",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected duplicate signup 409, got %d", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "erin@example.edu", "password": "wrong-horse"})
	if rr.Code != http.StatusUnauthorized || decodeResponse(t, rr)["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "erin@example.edu", "password": "correct-horse"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected signin 200, got %d: %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeResponse(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("expected token in signin response")
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	payload := decodeResponse(t, rr)
	if payload["authenticated"] != true || payload["userName"] != "Erin Evans" {
		t.Fatalf("unexpected session payload: %v", payload)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/auth/signout", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected signout 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	if decodeResponse(t, rr)["authenticated"] != false {
		t.Fatal("expected revoked token to be unauthenticated")
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notifications", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token 401, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	_, _, handler := newTestHTTPServer(t)

	for _, path := range []string{
		"/api/problems/prb_1/threads",
		"/api/notifications",
		"/api/classes/cls_1/mentions?q=a",
	} {
		rr := doRequest(t, handler, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
		if decodeResponse(t, rr)["code"] != "UNAUTHENTICATED" {
			t.Fatalf("%s: expected UNAUTHENTICATED code", path)
		}
	}

	rr := doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/threads", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected garbage token 401, got %d", rr.Code)
	}

	// The query-string token only works on the event stream.
	rr = doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/threads?access_token=whatever", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access_token outside events, got %d", rr.Code)
	}
}

func TestThreadLifecycleOverHTTP(t *testing.T) {
	svc, _, handler := newTestHTTPServer(t)
	aliceToken := tokenFor(t, svc, alice)
	profToken := tokenFor(t, svc, prof)

	rr := doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", aliceToken, map[string]any{
		"blockId":     "b1",
		"type":        "comment",
		"contentJson": json.RawMessage(doc("first")),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created CreateThreadResult
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ThreadID == "" || created.CommentID == "" || created.Appended {
		t.Fatalf("unexpected create result: %+v", created)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/threads/"+created.ThreadID+"/comments", profToken, map[string]any{
		"contentJson": json.RawMessage(doc("reply")),
		"parentId":    created.CommentID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected reply 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/threads/"+created.ThreadID, aliceToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Thread *ThreadDetail `json:"thread"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode thread: %v", err)
	}
	if got.Thread == nil || len(got.Thread.Comments) != 2 {
		t.Fatalf("expected thread with two comments, got %+v", got.Thread)
	}
	if got.Thread.Comments[1].ParentID == nil || *got.Thread.Comments[1].ParentID != created.CommentID {
		t.Fatal("expected reply to carry its parent id")
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/threads/thr_missing", aliceToken, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"thread":null`) {
		t.Fatalf("expected null thread, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/reactions", tokenFor(t, svc, bob), map[string]any{
		"targetType": "thread",
		"targetId":   created.ThreadID,
		"emoji":      "👍",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected reaction 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/threads/"+created.ThreadID+"/resolve", aliceToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected resolve 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/threads", aliceToken, nil)
	var list ThreadList
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Threads) != 1 || list.Threads[0].Status != store.ThreadStatusResolved || list.ActiveCount != 0 {
		t.Fatalf("unexpected list after resolve: %+v", list)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/notifications", aliceToken, nil)
	var inbox struct {
		Notifications []NotificationView `json:"notifications"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &inbox); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(inbox.Notifications) != 2 {
		t.Fatalf("expected reply and reaction notifications, got %+v", inbox.Notifications)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/notifications/read-all", aliceToken, nil)
	if rr.Code != http.StatusOK || decodeResponse(t, rr)["count"] != float64(2) {
		t.Fatalf("expected read-all count 2, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestErrorEnvelopes(t *testing.T) {
	svc, _, handler := newTestHTTPServer(t)
	aliceToken := tokenFor(t, svc, alice)

	rr := doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", aliceToken, "{")
	if rr.Code != http.StatusBadRequest || decodeResponse(t, rr)["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", aliceToken, map[string]any{"type": "question", "contentJson": json.RawMessage(doc("x"))})
	if rr.Code != http.StatusUnprocessableEntity || decodeResponse(t, rr)["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 VALIDATION_ERROR, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/reconcile", aliceToken, map[string]any{"activeBlockIds": []string{}})
	payload := decodeResponse(t, rr)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload["error"] != "Only professors and authorized TAs can manage ghost threads" {
		t.Fatalf("unexpected message: %v", payload["error"])
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/problems/prb_missing/threads", aliceToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/threads", tokenFor(t, svc, dave), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected non-member 403, got %d", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/nowhere", aliceToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected unknown route 404, got %d", rr.Code)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	svc, _ := newSeededService(t)
	svc.cfg.RateLimitPerSecond = 0.001
	svc.cfg.RateLimitBurst = 2
	handler := NewHTTPServer(svc, "").Handler()
	aliceToken := tokenFor(t, svc, alice)

	body := map[string]any{"type": "comment", "contentJson": json.RawMessage(doc("x"))}
	for i := 0; i < 2; i++ {
		rr := doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", aliceToken, body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rr.Code)
		}
	}
	rr := doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", aliceToken, body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Reads and other callers are unaffected.
	if rr := doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/threads", aliceToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected read 200, got %d", rr.Code)
	}
	if rr := doRequest(t, handler, http.MethodPost, "/api/problems/prb_1/threads", tokenFor(t, svc, bob), body); rr.Code != http.StatusCreated {
		t.Fatalf("expected other caller 201, got %d", rr.Code)
	}
}

func TestEventStreamDeliversThreadEvents(t *testing.T) {
	svc, _, handler := newTestHTTPServer(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/problems/prb_1/events?access_token="+tokenFor(t, svc, bob), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return strings.TrimRight(line, "\n")
	}
	if line := readLine(); line != ": connected" {
		t.Fatalf("expected connected comment, got %q", line)
	}

	created, err := svc.CreateThread(context.Background(), alice, testProblemID, CreateThreadInput{BlockID: strPtr("b1"), Type: "comment", ContentJSON: doc("live")})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	for {
		line := readLine()
		if line != "event: thread.created" {
			continue
		}
		data := readLine()
		if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, created.ThreadID) {
			t.Fatalf("unexpected data line %q", data)
		}
		return
	}
}

func TestEventStreamRejectsNonMembers(t *testing.T) {
	svc, _, handler := newTestHTTPServer(t)
	rr := doRequest(t, handler, http.MethodGet, "/api/problems/prb_1/events?access_token="+tokenFor(t, svc, dave), "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCallerLimiter(t *testing.T) {
	if !(*callerLimiter)(nil).Allow("anyone") {
		t.Fatal("nil limiter must allow")
	}
	if newCallerLimiter(0, 5) != nil {
		t.Fatal("zero rate disables limiting")
	}

	limiter := newCallerLimiter(1, 1)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("a") || limiter.Allow("a") {
		t.Fatal("expected burst of one")
	}
	if !limiter.Allow("b") {
		t.Fatal("callers have independent buckets")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("a") {
		t.Fatal("expected token after refill")
	}

	now = now.Add(limiterIdleTTL + 2*time.Minute)
	limiter.Allow("c")
	if _, ok := limiter.entries["b"]; ok {
		t.Fatal("expected idle entry to be swept")
	}
}

func TestMetricRoute(t *testing.T) {
	cases := map[string]string{
		"/api/threads/thr_1/comments":   "/api/threads/:id/comments",
		"/api/problems/prb_9/events":    "/api/problems/:id/events",
		"/api/notifications/read-all":   "/api/notifications/read-all",
		"/api/notifications/ntf_1/read": "/api/notifications/:id/read",
		"/api/health":                   "/api/health",
		"/api/reactions":                "/api/reactions",
	}
	for path, want := range cases {
		if got := metricRoute(path); got != want {
			t.Fatalf("metricRoute(%q) = %q, want %q", path, got, want)
		}
	}
}
