package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"github.com/loqalabs/loqa-narrator/internal/event"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const (
	maxBodyBytes       = 1 << 20
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// requestJSON rejects request bodies whose strings are not valid UTF-8.
var requestJSON = sonic.Config{ValidateString: true, CopyString: true}.Froze()

type narrator interface {
	Process(ctx context.Context, evt event.GameEvent) (pipeline.Result, error)
}

type voiceCatalog interface {
	Names() []string
	Count() int
}

type journalReader interface {
	Recent(ctx context.Context, limit int) ([]eventstore.Entry, error)
}

// api serves the narrator HTTP surface.
type api struct {
	narrator   narrator
	voices     voiceCatalog
	journal    journalReader
	outputDir  string
	llmEnabled bool
	ready      *atomic.Bool
	checks     []func() bool
	logger     *slog.Logger
}

type eventRequest struct {
	Text  *string `json:"text"`
	Type  *string `json:"type"`
	Voice *string `json:"voice"`
}

type eventResponse struct {
	Status        string `json:"status"`
	AudioPath     string `json:"audio_path"`
	TextProcessed string `json:"text_processed"`
}

type healthResponse struct {
	Status       string `json:"status"`
	VoicesLoaded int    `json:"voices_loaded"`
	OutputDir    string `json:"output_dir"`
	LLMEnabled   bool   `json:"llm_enabled"`
}

type validationDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /event", a.handleEvent)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /voices", a.handleVoices)
	mux.HandleFunc("GET /events", a.handleEvents)
	mux.HandleFunc("/healthz", a.handleLive)
	mux.HandleFunc("/readyz", a.handleReady)
	return mux
}

func (a *api) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeValidation(w, []validationDetail{{Loc: []string{"body"}, Msg: "Request body too large or unreadable", Type: "body_read"}})
		return
	}

	evt, details := decodeEvent(body)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	res, err := a.narrator.Process(r.Context(), evt)
	var verr *event.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eventResponse{
			Status:        "success",
			AudioPath:     res.AudioPath,
			TextProcessed: res.TextProcessed,
		})
	case errors.As(err, &verr):
		writeValidation(w, issueDetails(verr.Issues))
	case errors.Is(err, voice.ErrVoiceNotFound):
		writeDetail(w, http.StatusBadRequest, "Voice not found: "+evt.Normalize().Voice)
	case errors.Is(err, tts.ErrSynthesis):
		writeDetail(w, http.StatusInternalServerError, "TTS generation failed")
	default:
		a.logger.Error("event processing failed", slogError(err))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeEvent parses a request body. A null or absent type or voice falls
// back to the default; an empty type string is rejected like any other
// unknown type. A missing text is reported as a required field.
func decodeEvent(body []byte) (event.GameEvent, []validationDetail) {
	var req eventRequest
	if err := requestJSON.Unmarshal(body, &req); err != nil {
		return event.GameEvent{}, []validationDetail{{Loc: []string{"body"}, Msg: "JSON decode error", Type: "json_invalid"}}
	}
	if req.Text == nil {
		return event.GameEvent{}, []validationDetail{{Loc: []string{"body", "text"}, Msg: "Field required", Type: "missing"}}
	}
	evt := event.GameEvent{Text: *req.Text}
	if req.Voice != nil {
		evt.Voice = *req.Voice
	}
	if req.Type == nil {
		return evt, nil
	}
	if *req.Type != "" {
		evt.Type = event.Type(*req.Type)
		return evt, nil
	}

	var issues []event.Issue
	var verr *event.ValidationError
	if _, err := event.Validate(evt); errors.As(err, &verr) {
		issues = verr.Issues
	}
	return evt, issueDetails(append(issues, event.TypeIssue()))
}

func issueDetails(issues []event.Issue) []validationDetail {
	details := make([]validationDetail, 0, len(issues))
	for _, issue := range issues {
		details = append(details, validationDetail{Loc: []string{"body", issue.Field}, Msg: issue.Message, Type: issue.Kind})
	}
	return details
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		VoicesLoaded: a.voices.Count(),
		OutputDir:    a.outputDir,
		LLMEnabled:   a.llmEnabled,
	})
}

func (a *api) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"voices": a.voices.Names()})
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidation(w, []validationDetail{{Loc: []string{"query", "limit"}, Msg: "Input should be a positive integer", Type: "int_parsing"}})
			return
		}
		limit = min(n, maxEventsLimit)
	}

	entries, err := a.journal.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to read journal", slogError(err))
		writeDetail(w, http.StatusInternalServerError, "Failed to read event journal")
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string][]eventstore.Entry{"events": entries})
}

func (a *api) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the runtime has started and every attached
// dependency (bus connection, request subscription) is healthy.
func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) isReady() bool {
	if a.ready == nil || !a.ready.Load() {
		return false
	}
	for _, healthy := range a.checks {
		if !healthy() {
			return false
		}
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeValidation(w http.ResponseWriter, details []validationDetail) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string][]validationDetail{"detail": details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"detail":"Internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
