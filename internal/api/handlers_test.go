package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"lawbase.hk/legal-assistant/internal/config"
	"lawbase.hk/legal-assistant/internal/core"
	"lawbase.hk/legal-assistant/internal/store"
)

// stubLLM satisfies core.LLM for handler tests; the gate tests only care
// that it was never reached.
type stubLLM struct {
	calls      int
	embedCalls int
	text       string
	embedVec   []float32
}

func (s *stubLLM) Complete(ctx context.Context, req core.CompletionRequest) (*core.Completion, error) {
	s.calls++
	return &core.Completion{Text: s.text, ReportedTokens: 5}, nil
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	s.embedCalls++
	return s.embedVec, nil
}

type testEnv struct {
	handler *APIHandler
	router  http.Handler
	store   *store.SQLiteStore
	llm     *stubLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	config.AppConfig.JWTSecret = "test-secret"

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	llm := &stubLLM{text: "關鍵詞", embedVec: []float32{1, 0, 0}}
	overheads := core.FeatureOverheads{Search: 1000, QA: 10000, Consultant: 5000}
	accountant := core.NewTokenAccountant(s, overheads)
	retriever := core.NewRetriever(s, llm, "flash-model")
	synthesizer := core.NewSynthesizer(llm, "flash-model")
	conversations := core.NewConversationService(s)
	rag := core.NewRAGService(retriever, synthesizer, accountant, core.RAGConfig{SearchLimit: 10, QALimit: 10})
	consultant := core.NewConsultantService(llm, retriever, accountant, conversations, core.ConsultantConfig{
		FlashModel:        "flash-model",
		ProModel:          "pro-model",
		MaxToolIterations: 6,
		ProCostMultiplier: 10,
		RetrieveLimit:     20,
	})

	handler := NewAPIHandler(s, rag, consultant, conversations, accountant, 100000)
	return &testEnv{handler: handler, router: NewRouter(handler), store: s, llm: llm}
}

func (e *testEnv) newPrincipal(t *testing.T, role string, tokens int64) *core.Principal {
	t.Helper()
	user, err := e.store.CreateUser("user-"+role, "hash", role, tokens)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &core.Principal{UserID: user.ID, ExternalID: user.ExternalUserID, Role: role, RemainingTokens: tokens}
}

func authedRequest(method, target string, body string, p *core.Principal) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(context.WithValue(req.Context(), principalKey, p))
}

func TestSignupAndLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{"user_id": "alice", "password": "secret"})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created store.User
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if created.Role != core.RoleFree {
		t.Errorf("new users start on the free plan, got %q", created.Role)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("signup response leaked the password hash")
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var login map[string]string
	json.Unmarshal(rec.Body.Bytes(), &login)
	if login["token"] == "" {
		t.Fatal("login returned no token")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+login["token"])
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tokens status = %d, body %s", rec.Code, rec.Body.String())
	}
	var balance TokenBalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.TotalTokens != 100000 || balance.RemainingTokens != 100000 {
		t.Errorf("starter balance = %+v", balance.TokenCredit)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{"user_id": "bob", "password": "right"})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d", rec.Code)
	}

	wrong, _ := json.Marshal(map[string]string{"user_id": "bob", "password": "wrong"})
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(wrong)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("login with wrong password = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"q"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated search = %d, want 401", rec.Code)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RoleFree, 100000)

	rec := httptest.NewRecorder()
	env.handler.SearchHandler(rec, authedRequest(http.MethodPost, "/api/search", `{"query":"   "}`, p))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if env.llm.calls != 0 {
		t.Error("empty input must be rejected before any model call")
	}
}

func TestSearchRejectsOversizeQuery(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RoleFree, 100000)

	long := strings.Repeat("法", 1001)
	rec := httptest.NewRecorder()
	env.handler.SearchHandler(rec, authedRequest(http.MethodPost, "/api/search", `{"query":"`+long+`"}`, p))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	// Exactly at the cap passes the length check.
	atCap := strings.Repeat("法", 1000)
	rec = httptest.NewRecorder()
	env.handler.SearchHandler(rec, authedRequest(http.MethodPost, "/api/search", `{"query":"`+atCap+`"}`, p))
	if rec.Code == http.StatusBadRequest {
		t.Errorf("query at the cap was rejected: %s", rec.Body.String())
	}
}

func TestConsultantForbiddenForFreePlan(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RoleFree, 100000)

	rec := httptest.NewRecorder()
	env.handler.ConsultantHandler(rec, authedRequest(http.MethodPost, "/api/consultant", `{"message":"謀殺罪的最高刑罰"}`, p))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if env.llm.calls != 0 || env.llm.embedCalls != 0 {
		t.Error("entitlement rejection must cost nothing")
	}
}

func TestQAForbiddenForFreePlan(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RoleFree, 100000)

	rec := httptest.NewRecorder()
	env.handler.QAHandler(rec, authedRequest(http.MethodPost, "/api/qa", `{"question":"q"}`, p))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestInsufficientBalanceRejectedBeforeModelCalls(t *testing.T) {
	env := newTestEnv(t)
	// QA overhead alone is 10000; a balance of 50 cannot cover it.
	p := env.newPrincipal(t, core.RoleStandard, 50)

	rec := httptest.NewRecorder()
	env.handler.QAHandler(rec, authedRequest(http.MethodPost, "/api/qa", `{"question":"謀殺罪的最高刑罰是什麼?"}`, p))
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rec.Code)
	}
	if env.llm.calls != 0 {
		t.Error("balance rejection must happen before any model call")
	}
}

func TestAdminBypassesBalanceGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RoleAdmin, 0)

	rec := httptest.NewRecorder()
	env.handler.SearchHandler(rec, authedRequest(http.MethodPost, "/api/search", `{"query":"謀殺罪"}`, p))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.llm.calls == 0 {
		t.Error("admin search should reach the model")
	}
}

func TestGetConversationNotFound(t *testing.T) {
	env := newTestEnv(t)
	p := env.newPrincipal(t, core.RolePremium, 100000)

	req := authedRequest(http.MethodGet, "/api/conversations/does-not-exist", "", p)
	rec := httptest.NewRecorder()
	env.handler.GetConversationHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestConsultantStreamsSSE(t *testing.T) {
	env := newTestEnv(t)
	env.llm.text = "這是法律諮詢回覆。"
	p := env.newPrincipal(t, core.RolePremium, 100000)

	rec := httptest.NewRecorder()
	env.handler.ConsultantHandler(rec, authedRequest(http.MethodPost, "/api/consultant", `{"message":"謀殺罪的最高刑罰"}`, p))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: ") {
		t.Fatalf("no SSE frames in body: %q", body)
	}
	if !strings.Contains(body, `"completion"`) {
		t.Errorf("missing completion event: %q", body)
	}
	if !strings.Contains(body, "這是法律諮詢回覆。") {
		t.Errorf("answer text missing from stream: %q", body)
	}
}
