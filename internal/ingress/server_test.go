package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/infra/storage/memory"
	"github.com/vietddude/sheetsign/internal/queue"
	"github.com/vietddude/sheetsign/internal/signing"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type mockSigning struct {
	events     []domain.SigningEvent
	applyRes   domain.ApplyResult
	applyErr   error
	sheetErr   error
	refreshErr error
	sessionErr error
	pdf        []byte
}

func (m *mockSigning) Apply(ctx context.Context, ev domain.SigningEvent) (domain.ApplyResult, error) {
	m.events = append(m.events, ev)
	return m.applyRes, m.applyErr
}

func (m *mockSigning) Sheet(ctx context.Context, id string) (*domain.Sheet, error) {
	if m.sheetErr != nil {
		return nil, m.sheetErr
	}
	return &domain.Sheet{ID: id, Status: domain.SheetStatusDraft}, nil
}

func (m *mockSigning) Refresh(ctx context.Context, id string) (*signing.RefreshResult, error) {
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return &signing.RefreshResult{Sheet: &domain.Sheet{ID: id}}, nil
}

func (m *mockSigning) PrepareSession(ctx context.Context, id string, pdf []byte) (*signing.Session, error) {
	m.pdf = pdf
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	return &signing.Session{SheetID: id, DocumentID: "doc-1", SigningURL: "https://sign.example.com/s/1"}, nil
}

type mockJobs struct {
	limits []int
	stats  queue.Stats
}

func (m *mockJobs) Drain(ctx context.Context, limit int, now time.Time) (queue.Stats, error) {
	m.limits = append(m.limits, limit)
	return m.stats, nil
}

func (m *mockJobs) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	return map[domain.JobStatus]int{domain.JobStatusPending: 2}, nil
}

func newTestServer(cfg Config, svc SigningService, jobs JobQueue, checks map[string]HealthCheck) http.Handler {
	s := NewServer(cfg, svc, jobs, checks)
	s.now = func() time.Time { return fixedNow }
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestEventAction(t *testing.T) {
	tests := []struct {
		event, role string
		want        domain.SigningAction
		ok          bool
	}{
		{"first_signed", "", domain.ActionFirstSigned, true},
		{"FIRST_SIGNED", "", domain.ActionFirstSigned, true},
		{"document.first_signed", "", domain.ActionFirstSigned, true},
		{"second_signed", "", domain.ActionSecondSigned, true},
		{"document.completed", "", domain.ActionSecondSigned, true},
		{"document.signed", "", domain.ActionSecondSigned, true},
		{"completed", "", domain.ActionSecondSigned, true},
		{"signer_signed", "initiator", domain.ActionFirstSigned, true},
		{"signer_signed", "counterparty", domain.ActionSecondSigned, true},
		{"participant.signed", "", domain.ActionParticipantSigned, true},
		{"signed", "unknown", domain.ActionParticipantSigned, true},
		{"document.viewed", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		got, ok := eventAction(tt.event, tt.role)
		if got != tt.want || ok != tt.ok {
			t.Errorf("eventAction(%q, %q) = %q, %v; want %q, %v", tt.event, tt.role, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWebhook_Secret(t *testing.T) {
	svc := &mockSigning{}
	h := newTestServer(Config{WebhookSecret: "s3cret"}, svc, &mockJobs{}, nil)
	body := `{"event":"first_signed","documentId":"doc-1"}`

	rec := do(t, h, http.MethodPost, "/webhooks/signing", body, map[string]string{"X-Webhook-Secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(svc.events) != 0 {
		t.Fatal("unauthenticated webhook must not reach the state machine")
	}

	rec = do(t, h, http.MethodPost, "/webhooks/signing", body, map[string]string{"X-Webhook-Secret": "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestWebhook_PayloadMapping(t *testing.T) {
	svc := &mockSigning{applyRes: domain.ApplyResult{Processed: true, SheetID: "sheet-1", Status: domain.SheetStatusPendingCounterparty}}
	h := newTestServer(Config{}, svc, &mockJobs{}, nil)

	body := `{"type":"participant.signed","document":{"id":"doc-9"},"occurredAt":"2026-04-30T10:00:00Z","participant":{"email":"b@example.com"}}`
	rec := do(t, h, http.MethodPost, "/webhooks/signing", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if len(svc.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(svc.events))
	}
	ev := svc.events[0]
	if ev.DocumentID != "doc-9" || ev.Action != domain.ActionParticipantSigned || ev.ParticipantIdentity != "b@example.com" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.OccurredAt.Equal(time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected occurredAt: %v", ev.OccurredAt)
	}

	out := decode(t, rec)
	if out["ok"] != true || out["processed"] != true || out["sheetId"] != "sheet-1" || out["status"] != "PENDING_COUNTERPARTY" {
		t.Errorf("unexpected response: %v", out)
	}
}

func TestWebhook_DefaultsOccurredAtToNow(t *testing.T) {
	svc := &mockSigning{}
	h := newTestServer(Config{}, svc, &mockJobs{}, nil)
	do(t, h, http.MethodPost, "/webhooks/signing", `{"eventType":"second_signed","document_id":"doc-2"}`, nil)
	if len(svc.events) != 1 || !svc.events[0].OccurredAt.Equal(fixedNow) {
		t.Fatalf("expected occurredAt to default to now, got %+v", svc.events)
	}
}

func TestWebhook_DuplicateAndIgnoredStill200(t *testing.T) {
	for _, res := range []domain.ApplyResult{
		{Duplicate: true, Message: "already applied"},
		{Ignored: true, Message: "sheet expired"},
	} {
		svc := &mockSigning{applyRes: res}
		h := newTestServer(Config{}, svc, &mockJobs{}, nil)
		rec := do(t, h, http.MethodPost, "/webhooks/signing", `{"event":"first_signed","documentId":"doc-1"}`, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for %+v, got %d", res, rec.Code)
		}
	}

	svc := &mockSigning{}
	h := newTestServer(Config{}, svc, &mockJobs{}, nil)
	rec := do(t, h, http.MethodPost, "/webhooks/signing", `{"event":"document.viewed","documentId":"doc-1"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["ignored"] != true {
		t.Errorf("unsupported event should be ignored with 200, got %d %s", rec.Code, rec.Body)
	}
	if len(svc.events) != 0 {
		t.Error("unsupported event must not be applied")
	}
}

func TestWebhook_BadRequests(t *testing.T) {
	h := newTestServer(Config{}, &mockSigning{}, &mockJobs{}, nil)
	for _, body := range []string{`not json`, `{"event":"first_signed"}`} {
		rec := do(t, h, http.MethodPost, "/webhooks/signing", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestWebhook_StorageFailureIsRetryable(t *testing.T) {
	svc := &mockSigning{applyErr: failure.Temporary("DB_UNAVAILABLE", errors.New("connection refused"))}
	h := newTestServer(Config{}, svc, &mockJobs{}, nil)
	rec := do(t, h, http.MethodPost, "/webhooks/signing", `{"event":"first_signed","documentId":"doc-1"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the provider redelivers, got %d", rec.Code)
	}
}

func TestSheets_Routes(t *testing.T) {
	h := newTestServer(Config{}, &mockSigning{}, &mockJobs{}, nil)
	rec := do(t, h, http.MethodGet, "/sheets/sheet-1", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["id"] != "sheet-1" {
		t.Fatalf("get sheet: %d %s", rec.Code, rec.Body)
	}

	h = newTestServer(Config{}, &mockSigning{sheetErr: storage.ErrSheetNotFound}, &mockJobs{}, nil)
	if rec := do(t, h, http.MethodGet, "/sheets/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	h = newTestServer(Config{}, &mockSigning{refreshErr: signing.ErrRefreshThrottled}, &mockJobs{}, nil)
	if rec := do(t, h, http.MethodPost, "/sheets/sheet-1/refresh", "", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	h = newTestServer(Config{}, &mockSigning{}, &mockJobs{}, nil)
	if rec := do(t, h, http.MethodPost, "/sheets/sheet-1/refresh", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestSign(t *testing.T) {
	svc := &mockSigning{}
	h := newTestServer(Config{MaxDocumentBytes: 16}, svc, &mockJobs{}, nil)

	rec := do(t, h, http.MethodPost, "/sheets/sheet-1/sign", "%PDF-1.7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if string(svc.pdf) != "%PDF-1.7" {
		t.Errorf("pdf not forwarded: %q", svc.pdf)
	}
	if decode(t, rec)["signingUrl"] != "https://sign.example.com/s/1" {
		t.Errorf("unexpected body %s", rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/sheets/sheet-1/sign", strings.Repeat("x", 32), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestSign_ValidationError(t *testing.T) {
	svc := &mockSigning{sessionErr: failure.NewValidation(failure.SignerEmailsCollide, "a@example.com")}
	h := newTestServer(Config{}, svc, &mockJobs{}, nil)

	rec := do(t, h, http.MethodPost, "/sheets/sheet-1/sign", "%PDF", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	out := decode(t, rec)
	if out["code"] != string(failure.SignerEmailsCollide) {
		t.Errorf("unexpected code %v", out["code"])
	}
	if out["message"] != failure.NewValidation(failure.SignerEmailsCollide, "").UserMessage() {
		t.Errorf("unexpected message %v", out["message"])
	}

	svc.sessionErr = signing.ErrSessionInProgress
	if rec := do(t, h, http.MethodPost, "/sheets/sheet-1/sign", "%PDF", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func signToken(t *testing.T, key string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "scheduler",
		"exp": exp.Unix(),
		"iat": fixedNow.Unix(),
	})
	s, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestDrain_Auth(t *testing.T) {
	jobs := &mockJobs{stats: queue.Stats{Scanned: 3, Processed: 3, Succeeded: 2, Retried: 1}}
	h := newTestServer(Config{DrainSecret: "drain-key"}, &mockSigning{}, jobs, nil)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credential", nil, http.StatusUnauthorized},
		{"wrong header", map[string]string{"X-Drain-Secret": "nope"}, http.StatusUnauthorized},
		{"header secret", map[string]string{"X-Drain-Secret": "drain-key"}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer " + signToken(t, "drain-key", fixedNow.Add(time.Minute))}, http.StatusOK},
		{"wrong key", map[string]string{"Authorization": "Bearer " + signToken(t, "other", fixedNow.Add(time.Minute))}, http.StatusUnauthorized},
		{"expired token", map[string]string{"Authorization": "Bearer " + signToken(t, "drain-key", fixedNow.Add(-time.Minute))}, http.StatusUnauthorized},
		{"basic scheme", map[string]string{"Authorization": "Basic ZHJhaW4="}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/internal/jobs/drain", "", tt.headers)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	rec := do(t, h, http.MethodPost, "/internal/jobs/drain", "", map[string]string{"X-Drain-Secret": "drain-key"})
	out := decode(t, rec)
	if out["succeeded"] != float64(2) || out["retried"] != float64(1) || out["limit"] != float64(20) {
		t.Errorf("unexpected drain response: %v", out)
	}
}

func TestDrain_Limit(t *testing.T) {
	jobs := &mockJobs{}
	h := newTestServer(Config{DrainSecret: "k"}, &mockSigning{}, jobs, nil)
	auth := map[string]string{"X-Drain-Secret": "k"}

	do(t, h, http.MethodPost, "/internal/jobs/drain?limit=5", "", auth)
	do(t, h, http.MethodPost, "/internal/jobs/drain?limit=1000", "", auth)
	do(t, h, http.MethodPost, "/internal/jobs/drain", "", auth)
	want := []int{5, 200, 20}
	if len(jobs.limits) != len(want) {
		t.Fatalf("expected %d drains, got %v", len(want), jobs.limits)
	}
	for i := range want {
		if jobs.limits[i] != want[i] {
			t.Errorf("drain %d: expected limit %d, got %d", i, want[i], jobs.limits[i])
		}
	}

	if rec := do(t, h, http.MethodPost, "/internal/jobs/drain?limit=abc", "", auth); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDrain_NotConfigured(t *testing.T) {
	h := newTestServer(Config{}, &mockSigning{}, &mockJobs{}, nil)
	rec := do(t, h, http.MethodPost, "/internal/jobs/drain", "", map[string]string{"X-Drain-Secret": ""})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	h := newTestServer(Config{}, &mockSigning{}, &mockJobs{}, map[string]HealthCheck{"database": ok})
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != statusHealthy {
		t.Fatalf("expected healthy, got %d %s", rec.Code, rec.Body)
	}

	h = newTestServer(Config{}, &mockSigning{}, &mockJobs{}, map[string]HealthCheck{"database": ok, "redis": down})
	rec = do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	checks := decode(t, rec)["checks"].(map[string]any)
	if checks["database"] != "ok" || checks["redis"] != "dial tcp: refused" {
		t.Errorf("unexpected checks: %v", checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(Config{}, &mockSigning{}, &mockJobs{}, nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestWebhook_EndToEnd drives the real state machine and queue over HTTP.
func TestWebhook_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	sheets := memory.NewSheetRepo(store)
	q := queue.New(memory.NewJobRepo(store))
	machine := signing.NewMachine(sheets, nil, signing.WithJobs(q))

	if err := sheets.Create(ctx, &domain.Sheet{
		ID:                 "sheet-1",
		Status:             domain.SheetStatusDraft,
		FirstSignerEmail:   "a@example.com",
		SecondSignerEmail:  "b@example.com",
		ProviderDocumentID: "doc-1",
		ExpiresAt:          time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("create sheet: %v", err)
	}

	h := NewServer(Config{}, machine, q, nil).Handler()
	post := func(body string) map[string]any {
		rec := do(t, h, http.MethodPost, "/webhooks/signing", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
		}
		return decode(t, rec)
	}

	if out := post(`{"event":"first_signed","documentId":"doc-1"}`); out["processed"] != true {
		t.Fatalf("first signature not processed: %v", out)
	}
	if out := post(`{"event":"first_signed","documentId":"doc-1"}`); out["duplicate"] != true || out["processed"] != false {
		t.Fatalf("replay should be a duplicate: %v", out)
	}
	out := post(`{"event":"document.completed","documentId":"doc-1"}`)
	if out["status"] != string(domain.SheetStatusSigned) {
		t.Fatalf("expected SIGNED, got %v", out)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.JobStatusPending] != 1 {
		t.Errorf("expected a pending revoke job after SIGNED, got %v", counts)
	}

	rec := do(t, h, http.MethodPost, "/webhooks/signing", `{"event":"second_signed","documentId":"doc-unknown"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["ignored"] != true {
		t.Errorf("unknown document should be ignored with 200: %d %s", rec.Code, rec.Body)
	}
}
