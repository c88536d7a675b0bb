package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Ellipsis is appended to text that had to be truncated.
const Ellipsis = "..."

// Service renders text to a 16-bit PCM WAV file in the output directory.
type Service struct {
	cfg           config.TTSConfig
	backend       Backend
	outputDir     string
	maxTextLength int
	timeout       time.Duration
	logger        *slog.Logger
}

// NewBackend picks the backend named by cfg.Mode.
func NewBackend(cfg config.TTSConfig) (Backend, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecBackend(cfg.Command)
	case "http", "":
		return NewHTTPBackend(cfg.APIURL, nil), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func NewService(cfg config.TTSConfig, maxTextLength int, outputDir string, backend Backend, log *slog.Logger) *Service {
	return &Service{
		cfg:           cfg,
		backend:       backend,
		outputDir:     outputDir,
		maxTextLength: maxTextLength,
		timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:        log.With(slog.String("component", "tts-service")),
	}
}

// Truncate shortens text to max characters and appends an ellipsis.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + Ellipsis
}

// Synthesize produces a uniquely named WAV file for text spoken with the
// reference voice at voicePath and returns its absolute path. Every error
// wraps ErrSynthesis.
func (s *Service) Synthesize(ctx context.Context, text, voicePath string) (string, error) {
	text = Truncate(text, s.maxTextLength)
	req := Request{
		Model:          s.cfg.Model,
		Voice:          voicePath,
		Input:          text,
		ResponseFormat: ResponseFormat,
		Speed:          s.cfg.Speed,
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("sending text to tts", slog.String("voice", voicePath), slog.Int("chars", utf8.RuneCountInString(text)))
	data, err := s.backend.Generate(ctx, req)
	if err != nil {
		s.logger.Error("tts backend failed", slogError(err))
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	buf, err := audio.Decode(data)
	if err != nil {
		s.logger.Error("failed to decode tts audio", slogError(err))
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	path, err := audio.WriteWAV(s.outputDir, buf)
	if err != nil {
		s.logger.Error("failed to write audio", slogError(err))
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	s.logger.Info("audio generated", slog.String("path", path))
	return path, nil
}

// Ping logs whether the backend is reachable and reports the result.
func (s *Service) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Warn("tts backend not reachable", slogError(err))
		return false
	}
	s.logger.Info("tts backend reachable")
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
