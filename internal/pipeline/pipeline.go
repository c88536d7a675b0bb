// Package pipeline turns one game event into one narrated audio file.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/event"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

// sideEffectTimeout bounds journal writes and bus publishes.
const sideEffectTimeout = 2 * time.Second

// State is a stage of a single pipeline pass.
type State int

const (
	StateReceived State = iota
	StateSwept
	StateRewritten
	StateVoiceResolved
	StateSynthesized
	StateResponded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateSwept:
		return "swept"
	case StateRewritten:
		return "rewritten"
	case StateVoiceResolved:
		return "voice_resolved"
	case StateSynthesized:
		return "synthesized"
	case StateResponded:
		return "responded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Sweeper interface {
	MaybeSweep(ctx context.Context) bool
}

type Rewriter interface {
	Rewrite(ctx context.Context, text string, typ event.Type) llm.Outcome
}

type VoiceResolver interface {
	Resolve(name string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voicePath string) (string, error)
}

type Journal interface {
	Record(ctx context.Context, e eventstore.Entry) error
}

type Notifier interface {
	Publish(ctx context.Context, msg protocol.NarrationReady) error
}

// Deps are the collaborators of a Pipeline. Sweeper, Journal and Notifier
// are optional.
type Deps struct {
	Sweeper     Sweeper
	Rewriter    Rewriter
	Voices      VoiceResolver
	Synthesizer Synthesizer
	Journal     Journal
	Notifier    Notifier
}

// Result is returned for a successfully narrated event.
type Result struct {
	AudioPath     string
	TextProcessed string
	Rewritten     bool
	TraceID       string
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(instrumentationName) }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) { p.meter = mp.Meter(instrumentationName) }
}

// Pipeline is safe for concurrent use; each Process call is independent.
type Pipeline struct {
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram
	clock    func() time.Time
}

func New(deps Deps, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:   deps,
		logger: logger.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	hist, err := p.meter.Float64Histogram("narrator.pipeline.stage.duration",
		metric.WithDescription("Latency of each narration pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		p.logger.Warn("failed to create stage histogram", slogError(err))
	}
	p.duration = hist
	return p
}

// Process runs one event through validation, sweep, rewrite, voice
// resolution and synthesis. Errors are *event.ValidationError, or wrap
// voice.ErrVoiceNotFound or tts.ErrSynthesis.
func (p *Pipeline) Process(ctx context.Context, raw event.GameEvent) (Result, error) {
	start := p.clock()
	ctx, span := p.tracer.Start(ctx, "narrator.event")
	defer span.End()

	evt, err := event.Validate(raw)
	if err != nil {
		p.fail(span, StateReceived, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.voice", evt.Voice),
		attribute.Int("event.text_length", len([]rune(evt.Text))),
	)
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	p.logger.Info("event received", slog.String("type", string(evt.Type)), slog.String("voice", evt.Voice), slog.String("text", preview(evt.Text)))

	if p.deps.Sweeper != nil {
		p.stage(ctx, "sweep", func(ctx context.Context) error {
			p.deps.Sweeper.MaybeSweep(ctx)
			return nil
		})
	}

	var outcome llm.Outcome
	p.stage(ctx, "rewrite", func(ctx context.Context) error {
		outcome = p.deps.Rewriter.Rewrite(ctx, evt.Text, evt.Type)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Bool("llm.rewritten", outcome.Rewritten),
			attribute.String("llm.reason", outcome.Reason),
		)
		return nil
	})
	if outcome.Err != nil {
		p.logger.Debug("rewrite fell back to raw text", slog.String("reason", outcome.Reason), slogError(outcome.Err))
	}

	entry := eventstore.Entry{
		TraceID:       traceID,
		EventType:     string(evt.Type),
		Voice:         evt.Voice,
		Text:          evt.Text,
		TextProcessed: outcome.Text,
		Rewritten:     outcome.Rewritten,
	}

	var voicePath string
	err = p.stage(ctx, "voice", func(context.Context) error {
		var err error
		voicePath, err = p.deps.Voices.Resolve(evt.Voice)
		return err
	})
	if err != nil {
		p.fail(span, StateRewritten, err)
		entry.Status = eventstore.StatusVoiceNotFound
		entry.Error = err.Error()
		p.record(ctx, entry, start)
		return Result{}, err
	}

	var audioPath string
	err = p.stage(ctx, "tts", func(ctx context.Context) error {
		var err error
		audioPath, err = p.deps.Synthesizer.Synthesize(ctx, outcome.Text, voicePath)
		return err
	})
	if err != nil {
		if !errors.Is(err, tts.ErrSynthesis) {
			err = errors.Join(tts.ErrSynthesis, err)
		}
		p.fail(span, StateVoiceResolved, err)
		entry.Status = eventstore.StatusTTSFailed
		entry.Error = err.Error()
		p.record(ctx, entry, start)
		return Result{}, err
	}

	entry.Status = eventstore.StatusSuccess
	entry.AudioPath = audioPath
	p.record(ctx, entry, start)
	p.notify(ctx, entry)

	span.SetAttributes(attribute.String("narrator.state", StateResponded.String()))
	span.SetStatus(codes.Ok, "")
	p.logger.Info("event narrated", slog.String("audio_path", audioPath), slog.Bool("rewritten", outcome.Rewritten))
	return Result{
		AudioPath:     audioPath,
		TextProcessed: outcome.Text,
		Rewritten:     outcome.Rewritten,
		TraceID:       traceID,
	}, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "narrator."+name)
	defer span.End()
	begin := p.clock()
	err := fn(ctx)
	if p.duration != nil {
		p.duration.Record(ctx, p.clock().Sub(begin).Seconds(), metric.WithAttributes(
			attribute.String("stage", name),
			attribute.Bool("error", err != nil),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) fail(span trace.Span, last State, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String("narrator.state", StateFailed.String()),
		attribute.String("narrator.failed_after", last.String()),
	)
	switch {
	case errors.Is(err, voice.ErrVoiceNotFound):
		p.logger.Warn("voice not found", slogError(err))
	case errors.Is(err, tts.ErrSynthesis):
		p.logger.Error("synthesis failed", slogError(err))
	default:
		p.logger.Info("event rejected", slogError(err))
	}
}

func (p *Pipeline) record(ctx context.Context, entry eventstore.Entry, start time.Time) {
	if p.deps.Journal == nil {
		return
	}
	entry.DurationMS = p.clock().Sub(start).Milliseconds()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := p.deps.Journal.Record(ctx, entry); err != nil {
		p.logger.Warn("failed to journal narration", slogError(err))
	}
}

func (p *Pipeline) notify(ctx context.Context, entry eventstore.Entry) {
	if p.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	err := p.deps.Notifier.Publish(ctx, protocol.NarrationReady{
		TraceID:       entry.TraceID,
		EventType:     entry.EventType,
		Voice:         entry.Voice,
		AudioPath:     entry.AudioPath,
		TextProcessed: entry.TextProcessed,
		Rewritten:     entry.Rewritten,
		Timestamp:     p.clock().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to publish narration", slogError(err))
	}
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= 80 {
		return text
	}
	return string(r[:80]) + "..."
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
