package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPhrase = "I am not lying"

var routerEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type routerFixture struct {
	handler    http.Handler
	service    *dispenser.Service
	dispatcher *StatusDispatcher
	clock      *testClock
}

func newRouterFixture(t *testing.T, configure func(*Dependencies)) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "tally.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := dispenser.NewGormStore(db, dispenser.NewUUIDProvider())
	require.NoError(t, err)

	clock := &testClock{now: routerEpoch}
	dispatcher := NewStatusDispatcher()
	service, err := dispenser.NewService(dispenser.ServiceConfig{
		Store:              store,
		Clock:              clock.Now,
		Broadcaster:        dispatcher,
		ConfirmationPhrase: testPhrase,
		DisplayLocation:    time.FixedZone("UTC+08:00", 8*3600),
	})
	require.NoError(t, err)

	deps := Dependencies{
		Service:           service,
		Dispatcher:        dispatcher,
		Logger:            zap.NewNop(),
		RateLimit:         RateLimitConfig{PerSecond: 100, Burst: 100},
		HeartbeatInterval: time.Hour,
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	require.NoError(t, err)

	return routerFixture{handler: handler, service: service, dispatcher: dispatcher, clock: clock}
}

func (f routerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func TestStatusEndpointReturnsSnapshot(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	status := decodeBody[dispenser.Status](t, recorder)
	assert.Equal(t, int64(2), status.ConsumptionLimit)
	assert.Equal(t, int64(86400), status.CycleDuration)
	assert.Equal(t, "03/02/2026, 04:00:00 PM", status.CycleEndTime)
	assert.Equal(t, "2026-03-02T08:00:00Z", status.CycleEndTimeISO)
	assert.Equal(t, "2026-03-01T08:00:00Z", status.CycleStartTime)
	assert.False(t, status.LockStatus)
}

func TestSettingsEndpointAcceptsStringsAndLegacyKeys(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/settings", map[string]any{
		"confirmation-phrase": testPhrase,
		"consumption-limit":   "3",
		"cycle-duration":      7200,
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.Equal(t, "success", decodeBody[successResponse](t, recorder).Status)

	status, err := fixture.service.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.ConsumptionLimit)
	assert.Equal(t, int64(7200), status.CycleDuration)
	assert.Equal(t, "2026-03-01T10:00:00Z", status.CycleEndTimeISO)
	assert.Equal(t, 1.5, status.PenaltyMultiplier)

	recorder = fixture.do(t, http.MethodPost, "/api/settings", map[string]any{
		"confirmation_phrase": testPhrase,
		"consumption_limit":   3,
		"cycle_duration":      7200,
		"penalty_multiplier":  "2",
	})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	status, err = fixture.service.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, status.PenaltyMultiplier)
}

func TestSettingsEndpointRejectsWrongPhrase(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/api/settings", map[string]any{
		"confirmation_phrase": "please",
		"consumption_limit":   5,
		"cycle_duration":      60,
	})
	require.Equal(t, http.StatusForbidden, recorder.Code)

	payload := decodeBody[errorResponse](t, recorder)
	assert.Equal(t, "error", payload.Status)
	assert.Equal(t, "Incorrect confirmation phrase", payload.Message)
	assert.Equal(t, "dispenser.update_settings.confirmation_mismatch", payload.Code)

	status, err := fixture.service.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.ConsumptionLimit)
}

func TestSettingsEndpointRejectsInvalidValues(t *testing.T) {
	fixture := newRouterFixture(t, nil)

	testCases := []struct {
		name string
		body any
	}{
		{name: "non numeric limit", body: map[string]any{"confirmation_phrase": testPhrase, "consumption_limit": "abc", "cycle_duration": 60}},
		{name: "zero duration", body: map[string]any{"confirmation_phrase": testPhrase, "consumption_limit": 2, "cycle_duration": 0}},
		{name: "fractional limit", body: map[string]any{"confirmation_phrase": testPhrase, "consumption_limit": 2.5, "cycle_duration": 60}},
		{name: "multiplier below one", body: map[string]any{"confirmation_phrase": testPhrase, "consumption_limit": 2, "cycle_duration": 60, "penalty_multiplier": 0.5}},
		{name: "missing limit", body: map[string]any{"confirmation_phrase": testPhrase, "cycle_duration": 60}},
		{name: "not an object", body: "[1,2]"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := fixture.do(t, http.MethodPost, "/api/settings", testCase.body)
			require.Equal(t, http.StatusBadRequest, recorder.Code, recorder.Body.String())
			payload := decodeBody[errorResponse](t, recorder)
			assert.Equal(t, "error", payload.Status)
			assert.NotEmpty(t, payload.Message)
		})
	}
}

func TestResetEndpointQueuesReset(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	ctx := context.Background()

	_, err := fixture.service.Ingest(ctx, dispenser.Report{AddedCount: 3, ConsumptionCount: 2, InventoryCount: 1})
	require.NoError(t, err)
	fixture.clock.Advance(10 * time.Minute)

	recorder := fixture.do(t, http.MethodPost, "/api/reset", map[string]string{"confirmation_phrase": "wrong"})
	require.Equal(t, http.StatusForbidden, recorder.Code)
	assert.False(t, fixture.service.ResetPending())

	recorder = fixture.do(t, http.MethodPost, "/api/reset", map[string]string{"confirmation_phrase": testPhrase})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.True(t, fixture.service.ResetPending())

	status, err := fixture.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.ConsumptionCount)
	assert.Equal(t, "2026-03-01T08:10:00Z", status.CycleStartTime)
}

func TestHistoryEndpointReturnsClosedCycles(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	ctx := context.Background()

	_, err := fixture.service.Ingest(ctx, dispenser.Report{ConsumptionCount: 1})
	require.NoError(t, err)
	fixture.clock.Advance(25 * time.Hour)
	action, err := fixture.service.Heartbeat(ctx)
	require.NoError(t, err)
	require.Equal(t, dispenser.ActionReset, action)

	recorder := fixture.do(t, http.MethodGet, "/api/consumption_history", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	history := decodeBody[dispenser.History](t, recorder)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, int64(1), history.Entries[0].Count)
	assert.False(t, history.Entries[0].LimitExceeded)
	assert.Equal(t, int64(2), history.Entries[0].ConsumptionLimit)
	assert.Equal(t, int64(1), history.CurrentStreak)
	assert.Equal(t, int64(2), history.CurrentConsumptionLimit)
}

type countingDeviceService struct {
	mu           sync.Mutex
	status       dispenser.Status
	historyCalls int
}

func (s *countingDeviceService) Status(context.Context) (dispenser.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *countingDeviceService) History(context.Context) (dispenser.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	return dispenser.History{CurrentConsumptionLimit: s.status.ConsumptionLimit}, nil
}

func (s *countingDeviceService) ApplySettings(_ context.Context, _ string, _ dispenser.SettingsInput) (dispenser.Status, error) {
	return s.status, nil
}

func (s *countingDeviceService) Reset(context.Context, string) (dispenser.Status, error) {
	return s.status, nil
}

func (s *countingDeviceService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCalls
}

func TestHistoryEndpointCachesUntilCycleChanges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &countingDeviceService{status: dispenser.Status{CycleStartTime: "2026-03-01T08:00:00Z", ConsumptionLimit: 2}}
	handler, err := NewHTTPHandler(Dependencies{
		Service:         service,
		Dispatcher:      NewStatusDispatcher(),
		HistoryCacheTTL: time.Minute,
	})
	require.NoError(t, err)
	fixture := routerFixture{handler: handler}

	for index := 0; index < 3; index++ {
		require.Equal(t, http.StatusOK, fixture.do(t, http.MethodGet, "/api/consumption_history", nil).Code)
	}
	assert.Equal(t, 1, service.calls())

	service.mu.Lock()
	service.status.CycleStartTime = "2026-03-02T08:00:00Z"
	service.mu.Unlock()
	require.Equal(t, http.StatusOK, fixture.do(t, http.MethodGet, "/api/consumption_history", nil).Code)
	assert.Equal(t, 2, service.calls())

	require.Equal(t, http.StatusOK, fixture.do(t, http.MethodPost, "/api/reset", map[string]string{"confirmation_phrase": testPhrase}).Code)
	require.Equal(t, http.StatusOK, fixture.do(t, http.MethodGet, "/api/consumption_history", nil).Code)
	assert.Equal(t, 3, service.calls())
}

func TestMutatingEndpointsAreRateLimited(t *testing.T) {
	fixture := newRouterFixture(t, func(deps *Dependencies) {
		deps.RateLimit = RateLimitConfig{PerSecond: 0.001, Burst: 1}
	})

	first := fixture.do(t, http.MethodPost, "/api/reset", map[string]string{"confirmation_phrase": testPhrase})
	require.Equal(t, http.StatusOK, first.Code)

	second := fixture.do(t, http.MethodPost, "/api/reset", map[string]string{"confirmation_phrase": testPhrase})
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", decodeBody[errorResponse](t, second).Code)

	require.Equal(t, http.StatusOK, fixture.do(t, http.MethodGet, "/api/status", nil).Code)
}

func TestOperationalEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tally_device_actions_total 1\n"))
	})
	fixture := newRouterFixture(t, func(deps *Dependencies) {
		deps.MetricsHandler = metrics
	})

	health := fixture.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	scrape := fixture.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, scrape.Code)
	assert.Contains(t, scrape.Body.String(), "tally_device_actions_total")

	withoutMetrics := newRouterFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, withoutMetrics.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{Dispatcher: NewStatusDispatcher()})
	require.ErrorIs(t, err, errMissingDeviceService)

	_, err = NewHTTPHandler(Dependencies{Service: &countingDeviceService{}})
	require.ErrorIs(t, err, errMissingDispatcher)

	_, err = NewHardwareHTTPHandler(nil)
	require.ErrorIs(t, err, errMissingHardwareHandler)
}

func TestValidationMessageStripsSentinel(t *testing.T) {
	_, err := dispenser.ParseSettingsUpdate(dispenser.SettingsInput{ConsumptionLimit: "abc", CycleDuration: "60"})
	require.Error(t, err)
	assert.Equal(t, "consumption limit must be a whole number", validationMessage(err))
}
