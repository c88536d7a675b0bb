package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/event"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const saltyFood = "Chaz commented on salty food to Martinho."

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) MaybeSweep(context.Context) bool {
	f.calls.Add(1)
	return false
}

type fakeRewriter struct {
	rewrite string
	calls   atomic.Int32
}

func (f *fakeRewriter) Rewrite(_ context.Context, text string, typ event.Type) llm.Outcome {
	f.calls.Add(1)
	if f.rewrite == "" || typ != event.TypeSocial {
		return llm.Outcome{Text: text, Reason: llm.ReasonNotSocial}
	}
	return llm.Outcome{Text: f.rewrite, Rewritten: true, Reason: llm.ReasonRewritten}
}

type fakeSynth struct {
	dir   string
	err   error
	calls atomic.Int32
	mu    sync.Mutex
	texts []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voicePath string) (string, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%032d.wav", n))
	return path, os.WriteFile(path, []byte("RIFF"), 0o644)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []eventstore.Entry
	err     error
}

func (f *fakeJournal) Record(_ context.Context, e eventstore.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []protocol.NarrationReady
}

func (f *fakeNotifier) Publish(_ context.Context, msg protocol.NarrationReady) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

type fixture struct {
	sweeper  *fakeSweeper
	rewriter *fakeRewriter
	synth    *fakeSynth
	journal  *fakeJournal
	notifier *fakeNotifier
	voices   *voice.Registry
	pipeline *Pipeline
}

func newFixture(t *testing.T, withDefaultVoice bool, opts ...Option) *fixture {
	t.Helper()
	voicesDir := t.TempDir()
	if withDefaultVoice {
		require.NoError(t, os.WriteFile(filepath.Join(voicesDir, "narrator.wav"), []byte("RIFF"), 0o644))
	}
	reg, err := voice.New(voicesDir, "narrator.wav", voice.DefaultMapping(), newLogger())
	require.NoError(t, err)

	f := &fixture{
		sweeper:  &fakeSweeper{},
		rewriter: &fakeRewriter{},
		synth:    &fakeSynth{dir: t.TempDir()},
		journal:  &fakeJournal{},
		notifier: &fakeNotifier{},
		voices:   reg,
	}
	f.pipeline = New(Deps{
		Sweeper:     f.sweeper,
		Rewriter:    f.rewriter,
		Voices:      reg,
		Synthesizer: f.synth,
		Journal:     f.journal,
		Notifier:    f.notifier,
	}, newLogger(), opts...)
	return f
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, true)
	f.rewriter.rewrite = "Chaz bitched that the rations were salty."

	res, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: saltyFood, Type: event.TypeSocial})
	require.NoError(t, err)
	assert.FileExists(t, res.AudioPath)
	assert.Equal(t, "Chaz bitched that the rations were salty.", res.TextProcessed)
	assert.True(t, res.Rewritten)
	assert.Equal(t, []string{"Chaz bitched that the rations were salty."}, f.synth.texts)
	assert.Equal(t, int32(1), f.sweeper.calls.Load())

	require.Len(t, f.journal.entries, 1)
	entry := f.journal.entries[0]
	assert.Equal(t, eventstore.StatusSuccess, entry.Status)
	assert.Equal(t, saltyFood, entry.Text)
	assert.Equal(t, res.AudioPath, entry.AudioPath)
	assert.Equal(t, "narrator", entry.Voice)

	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, res.AudioPath, f.notifier.msgs[0].AudioPath)
}

func TestProcessMessagePassesTextThrough(t *testing.T) {
	f := newFixture(t, true)
	f.rewriter.rewrite = "should not appear"

	res, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hi", Type: event.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.TextProcessed)
	assert.False(t, res.Rewritten)
}

func TestProcessValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "", Type: "raid"})
	var verr *event.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, int32(0), f.sweeper.calls.Load())
	assert.Equal(t, int32(0), f.rewriter.calls.Load())
	assert.Equal(t, int32(0), f.synth.calls.Load())
	assert.Empty(t, f.journal.entries)
}

func TestProcessUnknownVoiceWithoutDefault(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hello", Voice: "doesnotexist"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, voice.ErrVoiceNotFound))
	assert.Equal(t, int32(0), f.synth.calls.Load(), "no tts call when the voice is missing")

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, eventstore.StatusVoiceNotFound, f.journal.entries[0].Status)
	assert.Empty(t, f.notifier.msgs)
}

func TestProcessUnknownVoiceFallsBackToDefault(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hello", Voice: "doesnotexist"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AudioPath)
}

func TestProcessSynthesisFailure(t *testing.T) {
	f := newFixture(t, true)
	f.synth.err = errors.New("backend exploded")

	_, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tts.ErrSynthesis))

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, eventstore.StatusTTSFailed, f.journal.entries[0].Status)
	assert.Empty(t, f.notifier.msgs)
}

func TestProcessJournalFailureIsIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.journal.err = errors.New("disk full")

	_, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hello"})
	assert.NoError(t, err)
}

func TestProcessWithoutOptionalDeps(t *testing.T) {
	voicesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(voicesDir, "narrator.wav"), []byte("RIFF"), 0o644))
	reg, err := voice.New(voicesDir, "narrator.wav", nil, newLogger())
	require.NoError(t, err)

	p := New(Deps{Rewriter: &fakeRewriter{}, Voices: reg, Synthesizer: &fakeSynth{dir: t.TempDir()}}, newLogger())
	_, err = p.Process(context.Background(), event.GameEvent{Text: "hello"})
	assert.NoError(t, err)
}

func TestProcessConcurrentDistinctFiles(t *testing.T) {
	f := newFixture(t, true)
	const n = 20
	paths := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "concurrent"})
			if err == nil {
				paths[i] = res.AudioPath
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]struct{}{}
	for _, p := range paths {
		require.NotEmpty(t, p)
		seen[p] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestProcessEmitsSpansAndStageMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	f := newFixture(t, true, WithTracerProvider(tp), WithMeterProvider(mp))
	res, err := f.pipeline.Process(context.Background(), event.GameEvent{Text: "hello"})
	require.NoError(t, err)
	assert.Len(t, res.TraceID, 32)
	assert.Equal(t, res.TraceID, f.journal.entries[0].TraceID)

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"narrator.event", "narrator.sweep", "narrator.rewrite", "narrator.voice", "narrator.tts"} {
		assert.True(t, names[want], "missing span %s", want)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	stages := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "narrator.pipeline.stage.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				if v, ok := dp.Attributes.Value("stage"); ok {
					stages[v.AsString()] = true
				}
			}
		}
	}
	assert.True(t, stages["rewrite"])
	assert.True(t, stages["tts"])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "voice_resolved", StateVoiceResolved.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}

// The examples below run the real rewriter, registry and synthesizer wiring
// with LLM disabled.
func TestProcessWithRealComponentsLLMDisabled(t *testing.T) {
	voicesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(voicesDir, "narrator.wav"), []byte("RIFF"), 0o644))
	reg, err := voice.New(voicesDir, "narrator.wav", voice.DefaultMapping(), newLogger())
	require.NoError(t, err)

	rewriter := llm.NewRewriter(config.LLMConfig{Enabled: false, MinInputLength: 15}, nil, newLogger())
	synth := &fakeSynth{dir: t.TempDir()}
	p := New(Deps{Rewriter: rewriter, Voices: reg, Synthesizer: synth}, newLogger())

	res, err := p.Process(context.Background(), event.GameEvent{Text: saltyFood, Type: event.TypeSocial, Voice: "narrator"})
	require.NoError(t, err)
	assert.Equal(t, saltyFood, res.TextProcessed)
	assert.False(t, res.Rewritten)
	assert.FileExists(t, res.AudioPath)
}
