// Package voice maps logical voice names to reference audio files.
package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// ErrVoiceNotFound is returned when neither the requested voice nor the
// default voice file can be found.
var ErrVoiceNotFound = errors.New("voice not found")

var audioExtensions = map[string]struct{}{
	".wav": {},
	".mp3": {},
	".ogg": {},
}

// DefaultMapping is persisted when no voice map exists yet.
func DefaultMapping() map[string]string {
	return map[string]string{"narrator": "narrator.wav"}
}

// Registry resolves voice names. It is read-only after construction and safe
// for concurrent use.
type Registry struct {
	dir         string
	defaultFile string
	voices      map[string]string
	log         *slog.Logger
}

// New builds a registry over dir. Entries in mapping may be absolute paths
// or paths relative to dir.
func New(dir, defaultFile string, mapping map[string]string, log *slog.Logger) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve voices dir: %w", err)
	}
	voices := make(map[string]string, len(mapping))
	for name, path := range mapping {
		voices[name] = path
	}
	return &Registry{
		dir:         abs,
		defaultFile: defaultFile,
		voices:      voices,
		log:         log.With(slog.String("component", "voice-registry")),
	}, nil
}

// Open loads the persisted mapping named in cfg and builds a registry.
func Open(cfg config.PathsConfig, log *slog.Logger) (*Registry, error) {
	return New(cfg.VoicesDir, cfg.DefaultVoiceFile, LoadMapping(cfg.VoiceMap, log), log)
}

// LoadMapping reads a JSON object of name -> path. A missing file is created
// with DefaultMapping; an unreadable one falls back to it in memory.
func LoadMapping(path string, log *slog.Logger) map[string]string {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("voice map not found, creating default", slog.String("path", path))
		mapping := DefaultMapping()
		if err := writeMapping(path, mapping); err != nil {
			log.Error("failed to write default voice map", slog.String("path", path), slogError(err))
		}
		return mapping
	}
	if err != nil {
		log.Error("failed to read voice map", slog.String("path", path), slogError(err))
		return DefaultMapping()
	}

	var mapping map[string]string
	if err := sonic.Unmarshal(data, &mapping); err != nil {
		log.Error("failed to parse voice map", slog.String("path", path), slogError(err))
		return DefaultMapping()
	}
	if mapping == nil {
		mapping = map[string]string{}
	}
	log.Info("voice map loaded", slog.String("path", path), slog.Int("voices", len(mapping)))
	return mapping
}

func writeMapping(path string, mapping map[string]string) error {
	data, err := sonic.ConfigStd.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Resolve maps name to an absolute audio file path. Unknown names are
// treated as paths themselves. When the candidate is missing or not an audio
// file the default voice is returned instead.
func (r *Registry) Resolve(name string) (string, error) {
	candidate, ok := r.voices[name]
	if !ok {
		candidate = name
	}
	if candidate != "" {
		path := r.anchor(candidate)
		if isAudioFile(path) {
			r.log.Debug("voice resolved", slog.String("voice", name), slog.String("path", path))
			return path, nil
		}
		r.log.Warn("voice path not found", slog.String("voice", name), slog.String("path", path))
	}

	fallback := filepath.Join(r.dir, r.defaultFile)
	if isAudioFile(fallback) {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrVoiceNotFound, name)
}

// Names lists mapped voice names plus the stems of .wav files in the voices
// directory, sorted and deduplicated.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{}, len(r.voices))
	names := make([]string, 0, len(r.voices))
	for name := range r.voices {
		seen[name] = struct{}{}
		names = append(names, name)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("failed to scan voices dir", slog.String("dir", r.dir), slogError(err))
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wav" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".wav")
		if _, dup := seen[stem]; dup {
			continue
		}
		seen[stem] = struct{}{}
		names = append(names, stem)
	}

	sort.Strings(names)
	return names
}

// Count returns the number of entries in the persisted mapping.
func (r *Registry) Count() int { return len(r.voices) }

// Dir returns the absolute voices directory.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) anchor(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func isAudioFile(path string) bool {
	if _, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
