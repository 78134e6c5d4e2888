/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Chat turns end to end over a SQLite store
- Confirm / cancel by proposal id, including expiry
- State reads, ledger verification and error mapping
- Metrics and the expiry sweep
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/llm"
	"github.com/lifeos/decision-engine/store/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedLLM struct {
	reply string
	err   error
}

func (s *scriptedLLM) Complete(context.Context, []llm.Message) (string, error) {
	return s.reply, s.err
}

type testServer struct {
	store   *sqlite.Store
	guard   *finance.Guard
	clock   *testClock
	metrics *Metrics
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, completer assistant.Completer) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store:   store,
		clock:   &testClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)},
		metrics: NewMetrics(),
	}
	ts.guard = finance.NewGuard(store,
		finance.WithClock(ts.clock.Now),
		finance.WithSinks(ts.metrics),
	)
	var opts []assistant.Option
	if completer != nil {
		opts = append(opts, assistant.WithCompleter(completer))
	}
	o := assistant.New(store, ts.guard, opts...)
	ts.handler = NewHandler(o, ts.metrics, nil)
	ts.router = NewRouter(ts.handler)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) chat(t *testing.T, userID, message string) ReplyDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/chat", ChatRequest{Message: message})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dto ReplyDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto
}

func (ts *testServer) seedDebt(t *testing.T, userID, amount string) {
	t.Helper()
	next := finance.FinancialState{}.
		WithDebt(decimal.RequireFromString(amount)).
		WithPhase(finance.PhaseStopBleeding)
	_, err := ts.guard.Commit(context.Background(), userID, finance.Mutation{
		Kind:   finance.KindDebtAdded,
		Amount: next.TotalDebt,
		Next:   next,
	})
	require.NoError(t, err)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// CHAT
// =============================================================================

func TestChat_PlanningDialogue(t *testing.T) {
	// GIVEN: A new user and no LLM
	// WHEN: Two financial turns arrive over HTTP
	// THEN: The engine answers both and the plan is readable from /finance

	ts := newTestServer(t, nil)

	first := ts.chat(t, "u1", "I owe 1200 and it's overdue")
	assert.Equal(t, assistant.SourceEngine, first.Source)
	assert.Nil(t, first.Action)

	second := ts.chat(t, "u1", "I want to pay it off in 6 months")
	assert.Contains(t, second.Reply, "200.00 per month")

	rec := ts.do(t, http.MethodGet, "/api/users/u1/finance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fin := decodeBody[FinancialStateDTO](t, rec)
	require.NotNil(t, fin.TotalDebt)
	assert.Equal(t, "1200.00", *fin.TotalDebt)
	require.NotNil(t, fin.MonthlyPace)
	assert.Equal(t, "200.00", *fin.MonthlyPace)
	require.NotNil(t, fin.DailyPace)
	assert.Equal(t, "6.67", *fin.DailyPace)
	assert.Equal(t, 6, *fin.TargetMonths)

	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.turns.WithLabelValues("engine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ledgerEvents.WithLabelValues("debt-added")))
}

func TestChat_BudgetIsExposed(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.chat(t, "u1", "I earn 3000 and spend 2000, and I owe 1200")

	fin := decodeBody[FinancialStateDTO](t, ts.do(t, http.MethodGet, "/api/users/u1/finance", nil))
	require.NotNil(t, fin.TotalDebt)
	assert.Equal(t, "1200.00", *fin.TotalDebt)
	require.NotNil(t, fin.MonthlyIncome)
	assert.Equal(t, "3000.00", *fin.MonthlyIncome)
	require.NotNil(t, fin.MonthlyExpenses)
	assert.Equal(t, "2000.00", *fin.MonthlyExpenses)
	require.NotNil(t, fin.Available)
	assert.Equal(t, "1000.00", *fin.Available)
}

func TestChat_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/chat", ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/users/u1/chat", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	ts.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "invalid request body", decodeBody[ErrorResponse](t, bad).Error)
}

func TestChat_FallbackWhenLLMUnavailable(t *testing.T) {
	ts := newTestServer(t, &scriptedLLM{err: &llm.CallError{Retryable: true, Err: context.DeadlineExceeded}})

	r := ts.chat(t, "u1", "tell me a joke")

	assert.Equal(t, assistant.SourceFallback, r.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.turns.WithLabelValues("fallback")))
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestActions_ConfirmDeletion(t *testing.T) {
	// GIVEN: A user with a debt of 500 who asked to remove it
	// WHEN: The proposal is confirmed by id
	// THEN: The debt is gone and the ledger holds a verified debt-removed entry

	ts := newTestServer(t, nil)
	ts.seedDebt(t, "u1", "500")

	proposal := ts.chat(t, "u1", "remove the debt")
	require.NotNil(t, proposal.Action)
	assert.Equal(t, assistant.ActionConfirm, proposal.Action.Type)
	assert.Equal(t, finance.OpDeleteDebt, proposal.Action.Operation)

	conv := decodeBody[ConversationDTO](t, ts.do(t, http.MethodGet, "/api/users/u1/conversation", nil))
	assert.True(t, conv.AwaitingConfirmation)
	assert.Equal(t, proposal.Action.ID, conv.ProposalID)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/actions/confirm", ActionRequest{ID: proposal.Action.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Done. The debt of 500.00 was removed.", decodeBody[ReplyDTO](t, rec).Reply)

	fin := decodeBody[FinancialStateDTO](t, ts.do(t, http.MethodGet, "/api/users/u1/finance", nil))
	assert.Nil(t, fin.TotalDebt)
	assert.Equal(t, 0, fin.Phase)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/ledger?verify=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decodeBody[LedgerResponse](t, rec)
	assert.True(t, ledger.Verified)
	require.Len(t, ledger.Events, 2)
	last := ledger.Events[1]
	assert.Equal(t, "debt-removed", last.Kind)
	assert.Equal(t, "500.00", *last.Before.TotalDebt)
	assert.Nil(t, last.After.TotalDebt)
}

func TestActions_CancelAndMismatch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedDebt(t, "u1", "80")
	proposal := ts.chat(t, "u1", "delete my debt")

	rec := ts.do(t, http.MethodPost, "/api/users/u1/actions/confirm", ActionRequest{ID: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_pending_proposal", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/actions/cancel", ActionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users/u1/actions/cancel", ActionRequest{ID: proposal.Action.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Okay, cancelled. Nothing was changed.", decodeBody[ReplyDTO](t, rec).Reply)

	fin := decodeBody[FinancialStateDTO](t, ts.do(t, http.MethodGet, "/api/users/u1/finance", nil))
	assert.Equal(t, "80.00", *fin.TotalDebt)
}

func TestActions_ConfirmAfterExpiry(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedDebt(t, "u1", "500")
	proposal := ts.chat(t, "u1", "remove the debt")
	ts.clock.Advance(time.Hour)

	rec := ts.do(t, http.MethodPost, "/api/users/u1/actions/confirm", ActionRequest{ID: proposal.Action.ID})

	assert.Equal(t, http.StatusGone, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "proposal_expired", body.Code)
	assert.Contains(t, body.Error, "expired")

	fin := decodeBody[FinancialStateDTO](t, ts.do(t, http.MethodGet, "/api/users/u1/finance", nil))
	assert.Equal(t, "500.00", *fin.TotalDebt)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_VerifyReportsBrokenChain(t *testing.T) {
	// GIVEN: A ledger whose second entry skips an id
	// WHEN: Reading it with and without verification
	// THEN: Plain reads succeed; verified reads answer 409

	ts := newTestServer(t, nil)
	ts.seedDebt(t, "u1", "100")
	require.NoError(t, ts.store.AppendEvent(context.Background(), "u1", finance.Event{
		ID:        5,
		Kind:      finance.KindDebtUpdated,
		Timestamp: 1,
	}))

	rec := ts.do(t, http.MethodGet, "/api/users/u1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[LedgerResponse](t, rec).Events, 2)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/ledger?verify=true", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "broken_chain", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/users/u1/ledger?verify=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedger_EmptyForUnknownUser(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/users/nobody/ledger?verify=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decodeBody[LedgerResponse](t, rec)
	assert.Empty(t, ledger.Events)
	assert.NotNil(t, ledger.Events)
}

// =============================================================================
// OPS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handler.LLMConfigured = true

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", LLM: true}, decodeBody[HealthResponse](t, rec))

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lifeos_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestSweepScheduler_RunNow(t *testing.T) {
	// GIVEN: Two users with proposals, one of them stale
	// WHEN: The sweep runs
	// THEN: Only the stale proposal is cleared and counted

	ts := newTestServer(t, nil)
	ts.seedDebt(t, "a", "100")
	ts.seedDebt(t, "b", "200")
	ts.chat(t, "a", "remove the debt")
	ts.clock.Advance(finance.DefaultConfirmationTTL + time.Minute)
	ts.chat(t, "b", "remove the debt")

	s := NewSweepScheduler(ts.handler.Orchestrator, ts.metrics, nil)
	require.NoError(t, s.Register("*/5 * * * * *"))
	assert.Error(t, s.Register("every now and then"))
	s.RunNow()

	a := decodeBody[ConversationDTO](t, ts.do(t, http.MethodGet, "/api/users/a/conversation", nil))
	b := decodeBody[ConversationDTO](t, ts.do(t, http.MethodGet, "/api/users/b/conversation", nil))
	assert.False(t, a.AwaitingConfirmation)
	assert.True(t, b.AwaitingConfirmation)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.expired))
}
