package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"request-guard/internal/cronauth"
	"request-guard/internal/csrf"
	"request-guard/internal/guard"
	"request-guard/internal/metrics"
	"request-guard/internal/ratelimit"
)

const (
	testOrigin     = "https://directory.example"
	testCronSecret = "cron-secret"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newTestRouterWithHealth(t, nil)
}

func newTestRouterWithHealth(t *testing.T, health HealthFunc) http.Handler {
	t.Helper()
	svc, err := csrf.NewService("router-secret")
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := cronauth.NewVerifier(testCronSecret)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	limiter := ratelimit.NewLimiter(ratelimit.NewLocalStore(), nil, ratelimit.WithFailureRecorder(m))
	g := guard.New(guard.Config{SiteOrigin: testOrigin}, svc, verifier, nil, guard.WithRecorder(m))
	if health == nil {
		health = func(context.Context) (map[string]string, bool) {
			return map[string]string{"store": limiter.Backend()}, true
		}
	}

	return NewRouter(Deps{
		Guard:          g,
		Limiter:        limiter,
		Issuer:         csrf.NewIssuer(svc, csrf.CookieOptions{}, nil),
		Metrics:        m.Handler(),
		AllowedOrigins: []string{testOrigin},
		Health:         health,
	})
}

type session struct {
	cookies []*http.Cookie
	token   string
}

// fetchSession performs the GET a browser page load would make.
func fetchSession(t *testing.T, h http.Handler) session {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/csrf status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	s := session{cookies: rec.Result().Cookies(), token: body["token"]}
	if s.token == "" || len(s.cookies) != 2 {
		t.Fatalf("expected token and two cookies, got %q and %d cookies", s.token, len(s.cookies))
	}
	return s
}

func (s session) post(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.HeaderName, s.token)
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ProtectedMutation(t *testing.T) {
	h := newTestRouter(t)
	s := fetchSession(t, h)

	rec := do(h, s.post("/api/votes", `{"listing":"abc"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "30" || rec.Header().Get("X-RateLimit-Remaining") != "29" {
		t.Errorf("unexpected rate limit headers %v", rec.Header())
	}

	evil := s.post("/api/votes", `{}`)
	evil.Header.Set("Origin", "https://evil.example")
	if rec := do(h, evil); rec.Code != http.StatusForbidden {
		t.Errorf("evil origin status = %d, want 403", rec.Code)
	}

	noHeader := s.post("/api/votes", `{}`)
	noHeader.Header.Del(csrf.HeaderName)
	if rec := do(h, noHeader); rec.Code != http.StatusForbidden {
		t.Errorf("missing csrf header status = %d, want 403", rec.Code)
	}

	form := s.post("/api/votes", "a=b")
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := do(h, form); rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("form post status = %d, want 415", rec.Code)
	}

	if rec := do(h, s.post("/api/votes", `{"broken"`)); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid json status = %d, want 400", rec.Code)
	}
}

func TestRouter_TelemetryNeedsNoToken(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(`{"event":"view"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := do(h, req); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestRouter_NewsletterRateLimited(t *testing.T) {
	h := newTestRouter(t)
	s := fetchSession(t, h)

	for i := 0; i < 3; i++ {
		if rec := do(h, s.post("/api/newsletter", `{"email":"a@example.com"}`)); rec.Code != http.StatusAccepted {
			t.Fatalf("call %d status = %d", i+1, rec.Code)
		}
	}
	rec := do(h, s.post("/api/newsletter", `{"email":"a@example.com"}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 3600 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), `"error":"too many requests"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRouter_Cron(t *testing.T) {
	h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cron/sync", nil)
	cronauth.SignRequest(req, testCronSecret, time.Now())
	if rec := do(h, req); rec.Code != http.StatusAccepted {
		t.Fatalf("signed cron status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", rec.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/api/cron/other-sync", nil)
	other.Header = req.Header.Clone()
	if rec := do(h, other); rec.Code != http.StatusUnauthorized {
		t.Errorf("signature moved to another path status = %d, want 401", rec.Code)
	}
}

func TestRouter_CronIgnoresBody(t *testing.T) {
	h := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cron/rebuild-index", strings.NewReader("not json"))
	cronauth.SignRequest(req, testCronSecret, time.Now())
	rec := do(h, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["job"] != "rebuild-index" {
		t.Errorf("unexpected body %v", body)
	}

	if rec := do(h, fetchSession(t, h).post("/api/votes", "not json")); rec.Code != http.StatusBadRequest {
		t.Errorf("browser mutation with invalid json = %d, want 400", rec.Code)
	}
}

func TestRouter_HealthMetricsAndFallbacks(t *testing.T) {
	h := newTestRouter(t)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"store":"local"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	evil := httptest.NewRequest(http.MethodPost, "/api/votes", strings.NewReader(`{}`))
	evil.Header.Set("Origin", "https://evil.example")
	do(h, evil)

	rec = do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `request_guard_integrity_failures_total{check="origin",reason="mismatch"} 1`) {
		t.Errorf("integrity failure not exported:\n%s", rec.Body.String())
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "endpoint not found") {
		t.Errorf("not found = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_HealthDegradedWhenBackendFails(t *testing.T) {
	h := newTestRouterWithHealth(t, func(context.Context) (map[string]string, bool) {
		return map[string]string{"store": "redis", "redis": "error"}, false
	})

	rec := do(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" || body["redis"] != "error" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/votes", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", csrf.HeaderName)

	rec := do(h, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
}
