package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmu/mucp/pkg/adapters"
	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/outbox"
	"github.com/openmu/mucp/pkg/reload"
	"github.com/openmu/mucp/pkg/storage"
)

type stubSubmitter struct{}

func (stubSubmitter) HandleInbound(_ context.Context, env *models.InboundEnvelope) (*models.PipelineResult, error) {
	return &models.PipelineResult{Kind: models.ResultCompleted, Command: &models.CommandRecord{
		CommandID:   "cmd-000001",
		CommandKey:  "status",
		State:       models.CommandStateCompleted,
		Correlation: models.CorrelationFor(env),
	}}, nil
}

type nopRuntime struct{}

func (nopRuntime) Stop(context.Context) error { return nil }

type serverFixture struct {
	server *Server
	echo   *echo.Echo
	outbox *outbox.Store
	sup    *generation.Supervisor
	paths  storage.Paths
}

func newServerFixture(t *testing.T, factory reload.Factory) *serverFixture {
	t.Helper()
	paths := storage.ResolvePaths(t.TempDir())
	require.NoError(t, paths.EnsureDir())

	outboxStore, err := outbox.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = outboxStore.Close() })

	commands, err := command.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = commands.Close() })

	sup := generation.NewSupervisor("mucp")
	if factory == nil {
		factory = reload.FactoryFunc(func(context.Context) (reload.Runtime, error) {
			return nopRuntime{}, nil
		})
	}
	reloader := reload.NewOrchestrator(sup, factory, nopRuntime{}, nil)

	webhook := adapters.NewWebhookAdapter("secret", stubSubmitter{}, nil)
	terminal := adapters.NewTerminalAdapter(stubSubmitter{}, nil)

	s := NewServer([]adapters.Adapter{webhook, terminal}, reloader, sup, outboxStore, commands, nil, paths)
	e := echo.New()
	s.Register(e)

	return &serverFixture{server: s, echo: e, outbox: outboxStore, sup: sup, paths: paths}
}

func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookHandler_UnknownChannel(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/webhooks/matrix", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookHandler_DispatchesToAdapter(t *testing.T) {
	f := newServerFixture(t, nil)

	payload := []byte(`{"actor_id":"actor-1","command_text":"/status"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/webhook", strings.NewReader(string(payload)))
	req.Header.Set(adapters.SignatureHeader, adapters.Sign([]byte("secret"), payload))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := jsonBody(t, rec)
	assert.Equal(t, "completed", body["kind"])
	assert.Equal(t, "cmd-000001", body["command_id"])
}

func TestWebhookHandler_AdapterStatusPassesThrough(t *testing.T) {
	f := newServerFixture(t, nil)

	// Bad signature: the adapter decides the status, the handler relays it.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/webhook", strings.NewReader(`{}`))
	req.Header.Set(adapters.SignatureHeader, "bogus")

	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChannelsHandler_ListsSortedSpecs(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/control-plane/channels", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChannelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Channels, 2)
	assert.Equal(t, models.ChannelTerminal, resp.Channels[0].Spec.Channel)
	assert.Equal(t, models.ChannelWebhook, resp.Channels[1].Spec.Channel)
	assert.False(t, resp.Channels[1].Spec.DeferredDelivery)
}

func TestHealthHandler(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// No writer lock in the fixture, so the process reports degraded.
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Equal(t, "mucp-gen-0", resp.Generation.GenerationID)
	assert.Equal(t, healthStatusHealthy, resp.Checks["journal_dir"].Status)
	assert.Equal(t, healthStatusDegraded, resp.Checks["writer_lock"].Status)
}

func TestHealthHandler_WriterLockHeld(t *testing.T) {
	f := newServerFixture(t, nil)

	lock, err := storage.AcquireWriterLock(f.paths, "test-owner")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
}

func TestReloadHandler_Success(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/control-plane/reload", strings.NewReader(`{"reason":"config_changed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Outcome)
	assert.Equal(t, "config_changed", resp.Attempt.Reason)
	assert.Equal(t, int64(1), resp.ActiveGeneration.GenerationSeq)
	assert.Equal(t, []string{models.ChannelTerminal, models.ChannelWebhook}, resp.Channels)
}

func TestReloadHandler_WarmupFailureKeepsGeneration(t *testing.T) {
	factory := reload.FactoryFunc(func(context.Context) (reload.Runtime, error) {
		return nil, errors.New("bad runtime config")
	})
	f := newServerFixture(t, factory)

	req := httptest.NewRequest(http.MethodPost, "/api/control-plane/reload", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := f.do(req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failure", resp.Outcome)
	assert.Contains(t, resp.Error, "bad runtime config")
	assert.Equal(t, int64(0), resp.ActiveGeneration.GenerationSeq)
}

func TestRollbackHandler_NoPendingReload(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/control-plane/rollback", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRollbackHandler_ForcesPendingReload(t *testing.T) {
	warming := make(chan struct{})
	release := make(chan struct{})
	factory := reload.FactoryFunc(func(context.Context) (reload.Runtime, error) {
		close(warming)
		<-release
		return nopRuntime{}, nil
	})
	f := newServerFixture(t, factory)

	done := make(chan reload.Result, 1)
	go func() {
		done <- f.server.reloader.Reload(context.Background(), "stuck warmup")
	}()
	<-warming

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/control-plane/rollback", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RollbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rolled_back", resp.Outcome)
	assert.Equal(t, models.ReloadStateFailed, resp.Attempt.State)
	assert.Equal(t, "mucp-gen-0", resp.ActiveGeneration.GenerationID)

	close(release)
	result := <-done
	require.ErrorIs(t, result.Err, reload.ErrRolledBack)
	assert.Equal(t, "mucp-gen-0", f.sup.ActiveGeneration().GenerationID)
}

func TestGenerationHandler(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/control-plane/generation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := jsonBody(t, rec)
	active := body["active_generation"].(map[string]any)
	assert.Equal(t, "mucp-gen-0", active["generation_id"])
}

func deadLetter(t *testing.T, store *outbox.Store) *models.OutboxRecord {
	t.Helper()
	now := time.Now().UnixMilli()
	_, rec, err := store.Enqueue("dk-1", models.OutboundEnvelope{
		V:       models.EnvelopeVersion,
		Channel: models.ChannelSlack,
		Body:    "hello",
	}, 4, now)
	require.NoError(t, err)
	dead, err := store.MarkDeadLetter(rec.OutboxID, outbox.DeadLetterReasonExhausted, now)
	require.NoError(t, err)
	return dead
}

func TestDeadLettersHandler(t *testing.T) {
	f := newServerFixture(t, nil)
	dead := deadLetter(t, f.outbox)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/control-plane/outbox/dead-letters", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeadLettersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, dead.OutboxID, resp.DeadLetters[0].OutboxID)
	assert.Equal(t, outbox.DeadLetterReasonExhausted, resp.DeadLetters[0].DeadLetterReason)
}

func TestReplayDeadLetterHandler(t *testing.T) {
	f := newServerFixture(t, nil)
	dead := deadLetter(t, f.outbox)

	req := httptest.NewRequest(http.MethodPost,
		"/api/control-plane/outbox/dead-letters/"+dead.OutboxID+"/replay",
		strings.NewReader(`{"requested_by_command_id":"cmd-000042"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.OutboxStateDeadLetter, resp.Original.State)
	assert.Equal(t, models.OutboxStatePending, resp.Replay.State)
	assert.Equal(t, dead.OutboxID, resp.Replay.ReplayOfOutboxID)
	assert.Equal(t, "cmd-000042", resp.Replay.ReplayRequestedByCommand)
}

func TestReplayDeadLetterHandler_Errors(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/control-plane/outbox/dead-letters/out-000099/replay", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A pending record is not replayable.
	now := time.Now().UnixMilli()
	_, pending, err := f.outbox.Enqueue("dk-2", models.OutboundEnvelope{
		V:       models.EnvelopeVersion,
		Channel: models.ChannelSlack,
		Body:    "still trying",
	}, 4, now)
	require.NoError(t, err)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/control-plane/outbox/dead-letters/"+pending.OutboxID+"/replay", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
