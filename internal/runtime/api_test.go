package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/event"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeNarrator struct {
	calls atomic.Int32
	last  event.GameEvent
	fn    func(event.GameEvent) (pipeline.Result, error)
}

func (f *fakeNarrator) Process(_ context.Context, evt event.GameEvent) (pipeline.Result, error) {
	f.calls.Add(1)
	f.last = evt
	if f.fn != nil {
		return f.fn(evt)
	}
	evt, err := event.Validate(evt)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{AudioPath: "/out/abc.wav", TextProcessed: evt.Text}, nil
}

type fakeCatalog struct{ names []string }

func (f fakeCatalog) Names() []string { return f.names }
func (f fakeCatalog) Count() int      { return len(f.names) }

type fakeJournal struct {
	entries   []eventstore.Entry
	lastLimit int
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]eventstore.Entry, error) {
	f.lastLimit = limit
	return f.entries, nil
}

func newTestAPI(n narrator) (*api, *fakeJournal) {
	journal := &fakeJournal{}
	ready := &atomic.Bool{}
	ready.Store(true)
	return &api{
		narrator:   n,
		voices:     fakeCatalog{names: []string{"narrator", "sarah"}},
		journal:    journal,
		outputDir:  "/srv/output",
		llmEnabled: true,
		ready:      ready,
		logger:     newLogger(),
	}, journal
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestPostEventSuccess(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"A caravan arrives.","type":"message","voice":"narrator"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "/out/abc.wav", body["audio_path"])
	assert.Equal(t, "A caravan arrives.", body["text_processed"])
}

func TestPostEventDefaultsOptionalFields(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, _ := do(t, a.routes(), http.MethodPost, "/event", `{"text":"hello","type":null}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, event.Type(""), n.last.Type)
	assert.Equal(t, "", n.last.Voice)
}

func TestPostEventVoiceNotFound(t *testing.T) {
	n := &fakeNarrator{fn: func(event.GameEvent) (pipeline.Result, error) {
		return pipeline.Result{}, fmt.Errorf("resolve: %w", voice.ErrVoiceNotFound)
	}}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"hi","voice":"ghost"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Voice not found: ghost", body["detail"])
}

func TestPostEventSynthesisFailure(t *testing.T) {
	n := &fakeNarrator{fn: func(event.GameEvent) (pipeline.Result, error) {
		return pipeline.Result{}, fmt.Errorf("%w: connection refused", tts.ErrSynthesis)
	}}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"hi"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "TTS generation failed", body["detail"])
}

func TestPostEventValidationIssues(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"","type":"shout"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details, ok := body["detail"].([]any)
	require.True(t, ok)
	require.Len(t, details, 2)
	first := details[0].(map[string]any)
	assert.Equal(t, []any{"body", "text"}, first["loc"])
	assert.Equal(t, "string_too_short", first["type"])
	second := details[1].(map[string]any)
	assert.Equal(t, []any{"body", "type"}, second["loc"])
}

func TestPostEventMalformedJSON(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := body["detail"].([]any)
	assert.Equal(t, "json_invalid", details[0].(map[string]any)["type"])
	assert.Zero(t, n.calls.Load())
}

func TestPostEventMissingText(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"type":"social"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := body["detail"].([]any)
	assert.Equal(t, "missing", details[0].(map[string]any)["type"])
	assert.Zero(t, n.calls.Load())
}

func TestEventRejectsOtherMethods(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})

	rec, _ := do(t, a.routes(), http.MethodGet, "/event", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})

	rec, body := do(t, a.routes(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["voices_loaded"])
	assert.Equal(t, "/srv/output", body["output_dir"])
	assert.Equal(t, true, body["llm_enabled"])
}

func TestVoices(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})

	rec, body := do(t, a.routes(), http.MethodGet, "/voices", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"narrator", "sarah"}, body["voices"])
}

func TestEventsLimit(t *testing.T) {
	a, journal := newTestAPI(&fakeNarrator{})

	rec, body := do(t, a.routes(), http.MethodGet, "/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEventsLimit, journal.lastLimit)
	assert.Equal(t, []any{}, body["events"])

	journal.entries = []eventstore.Entry{{ID: 7, EventType: "social", Status: eventstore.StatusSuccess}}
	_, body = do(t, a.routes(), http.MethodGet, "/events?limit=10000", "")
	assert.Equal(t, maxEventsLimit, journal.lastLimit)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "social", events[0].(map[string]any)["type"])

	rec, _ = do(t, a.routes(), http.MethodGet, "/events?limit=zero", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReadiness(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})
	h := a.routes()

	rec, _ := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	a.ready.Store(false)
	rec, _ = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostEventRejectsEmptyType(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"hi","type":""}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := body["detail"].([]any)
	require.Len(t, details, 1)
	issue := details[0].(map[string]any)
	assert.Equal(t, []any{"body", "type"}, issue["loc"])
	assert.Equal(t, "string_pattern_mismatch", issue["type"])
	assert.Zero(t, n.calls.Load())
}

func TestPostEventEmptyTypeReportsTextIssuesToo(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})

	rec, body := do(t, a.routes(), http.MethodPost, "/event", `{"text":"","type":""}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := body["detail"].([]any)
	require.Len(t, details, 2)
	assert.Equal(t, []any{"body", "text"}, details[0].(map[string]any)["loc"])
	assert.Equal(t, []any{"body", "type"}, details[1].(map[string]any)["loc"])
}

func TestPostEventRejectsInvalidUTF8(t *testing.T) {
	n := &fakeNarrator{}
	a, _ := newTestAPI(n)

	rec, body := do(t, a.routes(), http.MethodPost, "/event", "{\"text\":\"bad \xff\xfe bytes\"}")

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	details := body["detail"].([]any)
	assert.Equal(t, "json_invalid", details[0].(map[string]any)["type"])
	assert.Zero(t, n.calls.Load())
}

func TestReadinessFollowsDependencyChecks(t *testing.T) {
	a, _ := newTestAPI(&fakeNarrator{})
	var busUp atomic.Bool
	busUp.Store(true)
	a.checks = []func() bool{busUp.Load}
	h := a.routes()

	rec, _ := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	busUp.Store(false)
	rec, _ = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
