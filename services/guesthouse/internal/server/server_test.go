package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"phototheology/internal/accounttoken"
	"phototheology/internal/captoken"
	"phototheology/pkg/store"
	"phototheology/services/guesthouse/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubAccounts struct{}

func (stubAccounts) VerifyAccount(_ context.Context, token string) (accounttoken.Account, error) {
	if token != "good-account-token" {
		return accounttoken.Account{}, accounttoken.ErrInvalidToken
	}
	return accounttoken.Account{ID: "acct-7", DisplayName: "Priscilla"}, nil
}

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	redis *miniredis.Miniredis
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	core, err := app.New(context.Background(), app.Config{
		Store:         store.NewMemoryStore(),
		RedisAddr:     redisSrv.Addr(),
		GradingStream: "test:grading",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	signer, err := captoken.NewSigner(captoken.Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cfg := Config{
		App:       core,
		Signer:    signer,
		Accounts:  stubAccounts{},
		RedisAddr: redisSrv.Addr(),
		Heartbeat: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, redis: redisSrv}
}

func (h *harness) do(method, path, token string, body any, headers ...string) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) mustDo(want int, method, path, token string, body any, headers ...string) map[string]any {
	h.t.Helper()
	status, out := h.do(method, path, token, body, headers...)
	if status != want {
		h.t.Fatalf("%s %s: status %d, want %d (%v)", method, path, status, want, out)
	}
	return out
}

// setupEvent creates an event with one multiple-choice prompt.
func (h *harness) setupEvent() (eventID, hostToken, promptID string) {
	h.t.Helper()
	created := h.mustDo(http.StatusCreated, "POST", "/events", "", map[string]string{
		"title": "Sanctuary night", "hostPasscode": "bethel1",
	})
	eventID = created["event"].(map[string]any)["id"].(string)
	hostToken = created["hostToken"].(string)
	prompt := h.mustDo(http.StatusCreated, "POST", "/events/"+eventID+"/prompts", hostToken, map[string]any{
		"type": "multiple_choice",
		"data": map[string]any{"question": "Which article stood in the holy place?", "answer": "b", "points": 10},
	})
	return eventID, hostToken, prompt["id"].(string)
}

func (h *harness) join(eventID, name string) (guestID, token string) {
	h.t.Helper()
	out := h.mustDo(http.StatusCreated, "POST", "/events/"+eventID+"/guests", "", map[string]string{"displayName": name})
	return out["guest"].(map[string]any)["id"].(string), out["token"].(string)
}

func TestLiveSessionOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	eventID, hostToken, promptID := h.setupEvent()

	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", hostToken, nil)
	guestID, guestToken := h.join(eventID, "Ada")

	snap := h.mustDo(http.StatusOK, "GET", "/events/"+eventID, guestToken, nil)
	active := snap["activePrompt"].(map[string]any)
	if _, leaked := active["data"].(map[string]any)["answer"]; leaked {
		t.Fatalf("guest snapshot leaked the answer key: %v", active)
	}

	h.mustDo(http.StatusForbidden, "POST", "/events/"+eventID+"/advance", guestToken, nil)

	sub := h.mustDo(http.StatusCreated, "POST", "/prompts/"+promptID+"/responses", guestToken, map[string]any{
		"payload": map[string]any{"choice": "B"},
	})
	if sub["autoGraded"] != true {
		t.Fatalf("multiple choice should auto grade: %v", sub)
	}
	status, again := h.do("POST", "/prompts/"+promptID+"/responses", guestToken, map[string]any{
		"payload": map[string]any{"choice": "a"},
	})
	if status != http.StatusConflict || again["code"] != "RESPONSE_ALREADY_GRADED" {
		t.Fatalf("resubmitting a graded answer: %d %v", status, again)
	}

	h.mustDo(http.StatusForbidden, "GET", "/prompts/"+promptID+"/responses", guestToken, nil)
	list := h.mustDo(http.StatusOK, "GET", "/prompts/"+promptID+"/responses", hostToken, nil)
	if list["count"].(float64) != 1 {
		t.Fatalf("responses = %v", list)
	}

	h.mustDo(http.StatusOK, "POST", "/guests/"+guestID+"/bonus", hostToken, map[string]any{"points": 5, "reason": "Memory verse"})
	board := h.mustDo(http.StatusOK, "GET", "/events/"+eventID+"/leaderboard", "", nil)
	first := board["items"].([]any)[0].(map[string]any)
	if first["score"].(float64) != 15 || first["rank"].(float64) != 1 {
		t.Fatalf("leaderboard = %v", board)
	}

	done := h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/advance", hostToken, nil)
	if done["event"].(map[string]any)["status"] != "completed" {
		t.Fatalf("event should complete: %v", done)
	}
	status, body := h.do("POST", "/events/"+eventID+"/guests", "", map[string]string{"displayName": "Late"})
	if status != http.StatusConflict || body["code"] != "EVENT_COMPLETED" {
		t.Fatalf("late join: %d %v", status, body)
	}
	status, body = h.do("GET", "/events/"+eventID+"/results/archive", hostToken, nil)
	if status != http.StatusNotImplemented || body["code"] != "RESULTS_ARCHIVE_DISABLED" {
		t.Fatalf("archive without storage: %d %v", status, body)
	}
}

func TestListEventsByStatus(t *testing.T) {
	h := newHarness(t, nil)
	liveID, hostToken, _ := h.setupEvent()
	h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+liveID+"/start", hostToken, nil)

	all := h.mustDo(http.StatusOK, "GET", "/events", "", nil)
	if all["count"].(float64) != 2 {
		t.Fatalf("all events = %v", all)
	}
	live := h.mustDo(http.StatusOK, "GET", "/events?status=live", "", nil)
	items := live["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["id"] != liveID {
		t.Fatalf("live events = %v", live)
	}
	if _, leaked := items[0].(map[string]any)["hostPasscodeHash"]; leaked {
		t.Fatalf("event listing leaked the passcode hash: %v", items[0])
	}
	h.mustDo(http.StatusBadRequest, "GET", "/events?status=archived", "", nil)
}

func TestGradingJobStatus(t *testing.T) {
	h := newHarness(t, nil)
	eventID, hostToken, _ := h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", hostToken, nil)
	freeText := h.mustDo(http.StatusCreated, "POST", "/events/"+eventID+"/prompts", hostToken, map[string]any{
		"type": "free_text",
		"data": map[string]any{"question": "What does the laver teach?"},
	})
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/advance", hostToken, nil)
	_, adaToken := h.join(eventID, "Ada")
	_, eliToken := h.join(eventID, "Eli")

	sub := h.mustDo(http.StatusCreated, "POST", "/prompts/"+freeText["id"].(string)+"/responses", adaToken, map[string]any{
		"payload": map[string]any{"text": "cleansing"},
	})
	jobID, _ := sub["gradingJobId"].(string)
	if jobID == "" {
		t.Fatalf("free text submission should report its grading job: %v", sub)
	}

	job := h.mustDo(http.StatusOK, "GET", "/grading/jobs/"+jobID, hostToken, nil)
	if job["status"] != "queued" || job["eventId"] != eventID {
		t.Fatalf("host view of job = %v", job)
	}
	h.mustDo(http.StatusOK, "GET", "/grading/jobs/"+jobID, adaToken, nil)
	h.mustDo(http.StatusNotFound, "GET", "/grading/jobs/"+jobID, eliToken, nil)
	h.mustDo(http.StatusNotFound, "GET", "/grading/jobs/missing", hostToken, nil)
	h.mustDo(http.StatusUnauthorized, "GET", "/grading/jobs/"+jobID, "", nil)
}

func TestTokensAreScopedToTheirEvent(t *testing.T) {
	h := newHarness(t, nil)
	eventA, hostA, _ := h.setupEvent()
	eventB, hostB, promptB := h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+eventA+"/start", hostA, nil)
	h.mustDo(http.StatusOK, "POST", "/events/"+eventB+"/start", hostB, nil)

	h.mustDo(http.StatusForbidden, "POST", "/events/"+eventB+"/pause", hostA, nil)
	_, guestA := h.join(eventA, "Ada")
	h.mustDo(http.StatusForbidden, "POST", "/prompts/"+promptB+"/responses", guestA, map[string]any{
		"payload": map[string]any{"choice": "a"},
	})
	h.mustDo(http.StatusUnauthorized, "POST", "/events/"+eventA+"/pause", "", nil)
	h.mustDo(http.StatusUnauthorized, "POST", "/events/"+eventA+"/pause", "forged", nil)
}

func TestHostToken(t *testing.T) {
	h := newHarness(t, nil)
	eventID, _, _ := h.setupEvent()

	status, body := h.do("POST", "/events/"+eventID+"/host-token", "", map[string]string{"passcode": "wrong-one"})
	if status != http.StatusUnauthorized || body["code"] != "SESSION_BAD_PASSCODE" {
		t.Fatalf("bad passcode: %d %v", status, body)
	}
	out := h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/host-token", "", map[string]string{"passcode": "bethel1"})
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", out["token"].(string), nil)
	h.mustDo(http.StatusNotFound, "POST", "/events/missing/host-token", "", map[string]string{"passcode": "bethel1"})
}

func TestFailedAuthIsCountedForAlerts(t *testing.T) {
	h := newHarness(t, nil)
	eventID, _, _ := h.setupEvent()
	for range 3 {
		h.mustDo(http.StatusUnauthorized, "POST", "/events/"+eventID+"/host-token", "", map[string]string{"passcode": "guess"})
	}
	h.mustDo(http.StatusUnauthorized, "POST", "/events/"+eventID+"/start", "forged.token.value", nil)

	counts := map[string]string{}
	for _, key := range h.redis.Keys() {
		if strings.HasPrefix(key, "guesthouse:alerts:") {
			v, _ := h.redis.Get(key)
			counts[strings.Join(strings.Split(key, ":")[2:4], ":")] = v
		}
	}
	if counts["host.passcode:fail"] != "3" || counts["token.verify:fail"] != "1" {
		t.Fatalf("alert counters = %v", counts)
	}
}

func TestJoinWithAccountToken(t *testing.T) {
	h := newHarness(t, nil)
	eventID, _, _ := h.setupEvent()

	out := h.mustDo(http.StatusCreated, "POST", "/events/"+eventID+"/guests", "", map[string]string{}, "X-Account-Token", "good-account-token")
	guest := out["guest"].(map[string]any)
	if guest["accountId"] != "acct-7" || guest["displayName"] != "Priscilla" {
		t.Fatalf("account join: %v", guest)
	}
	h.mustDo(http.StatusUnauthorized, "POST", "/events/"+eventID+"/guests", "", map[string]string{"displayName": "x"}, "X-Account-Token", "bad")
	h.mustDo(http.StatusBadRequest, "POST", "/events/"+eventID+"/guests", "", map[string]string{"displayName": "  "})
}

func TestSubmitRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.SubmitRateLimitPerMinute = 1 })
	eventID, hostToken, promptID := h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", hostToken, nil)
	_, guestToken := h.join(eventID, "Ada")

	payload := map[string]any{"payload": map[string]any{"choice": "a"}}
	h.mustDo(http.StatusCreated, "POST", "/prompts/"+promptID+"/responses", guestToken, payload)

	req, _ := http.NewRequest("POST", h.srv.URL+"/prompts/"+promptID+"/responses", strings.NewReader(`{"payload":{"choice":"b"}}`))
	req.Header.Set("Authorization", "Bearer "+guestToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
}

func TestServerRequiresRedisForRateLimits(t *testing.T) {
	signer, _ := captoken.NewSigner(captoken.Options{Secret: testSecret})
	_, err := New(Config{App: &app.App{}, Signer: signer, JoinRateLimitPerMinute: 1})
	if err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
}

func TestChangesCatchUp(t *testing.T) {
	h := newHarness(t, nil)
	eventID, hostToken, _ := h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", hostToken, nil)
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/pause", hostToken, nil)

	all := h.mustDo(http.StatusOK, "GET", "/events/"+eventID+"/changes", "", nil)
	if all["count"].(float64) != 3 {
		t.Fatalf("changes = %v", all)
	}
	firstID := all["items"].([]any)[0].(map[string]any)["streamId"].(string)
	rest := h.mustDo(http.StatusOK, "GET", "/events/"+eventID+"/changes?after="+firstID, "", nil)
	if rest["count"].(float64) != 2 || rest["next"] != all["next"] {
		t.Fatalf("catch-up = %v", rest)
	}
	h.mustDo(http.StatusBadRequest, "GET", "/events/"+eventID+"/changes?limit=0", "", nil)
	h.mustDo(http.StatusNotFound, "GET", "/events/missing/changes", "", nil)
}

func TestStreamDeliversBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	eventID, hostToken, _ := h.setupEvent()
	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/start", hostToken, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", h.srv.URL+"/events/"+eventID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	waitForLine(t, ctx, lines, func(l string) bool { return strings.HasPrefix(l, "retry:") })

	h.mustDo(http.StatusOK, "POST", "/events/"+eventID+"/pause", hostToken, nil)
	waitForLine(t, ctx, lines, func(l string) bool { return l == "event: session_update" })
	data := waitForLine(t, ctx, lines, func(l string) bool { return strings.HasPrefix(l, "data: ") })
	if !strings.Contains(data, `"paused":true`) {
		t.Fatalf("unexpected stream data: %s", data)
	}
	waitForLine(t, ctx, lines, func(l string) bool { return l == ": ping" })
}

func waitForLine(t *testing.T, ctx context.Context, lines <-chan string, match func(string) bool) string {
	t.Helper()
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early")
			}
			if match(l) {
				return l
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for stream line: %v", ctx.Err())
		}
	}
}
