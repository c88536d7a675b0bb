// Package retention removes generated audio once it has aged out.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

const meterName = "github.com/loqalabs/loqa-narrator/retention"

// Sweeper deletes stale .wav files from the output directory. Sweeps are
// gated so that at most one runs per interval regardless of how many
// goroutines call MaybeSweep.
type Sweeper struct {
	dir      string
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger
	clock    func() time.Time

	lastSweep atomic.Int64
	deleted   metric.Int64Counter
}

// New creates a sweeper for dir. The first sweep becomes due one interval
// after construction.
func New(dir string, interval, maxAge time.Duration, log *slog.Logger) *Sweeper {
	return newSweeper(dir, interval, maxAge, log, time.Now, otel.GetMeterProvider())
}

// FromConfig builds a sweeper from the performance section.
func FromConfig(cfg config.PerformanceConfig, dir string, log *slog.Logger) *Sweeper {
	return New(dir, hours(cfg.CleanupIntervalHours), hours(cfg.FileMaxAgeHours), log)
}

func newSweeper(dir string, interval, maxAge time.Duration, log *slog.Logger, clock func() time.Time, mp metric.MeterProvider) *Sweeper {
	s := &Sweeper{
		dir:      dir,
		interval: interval,
		maxAge:   maxAge,
		log:      log.With(slog.String("component", "retention")),
		clock:    clock,
	}
	s.lastSweep.Store(clock().UnixNano())

	counter, err := mp.Meter(meterName).Int64Counter("narrator.retention.deleted_files",
		metric.WithDescription("Generated audio files removed by the retention sweeper."),
	)
	if err != nil {
		s.log.Warn("failed to create retention counter", slogError(err))
	}
	s.deleted = counter
	return s
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// MaybeSweep sweeps if the interval has elapsed since the last sweep and
// reports whether this call performed it.
func (s *Sweeper) MaybeSweep(ctx context.Context) bool {
	now := s.clock()
	last := s.lastSweep.Load()
	if now.UnixNano()-last < int64(s.interval) {
		return false
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return false
	}
	s.Sweep(ctx)
	return true
}

// Sweep unconditionally deletes expired files and returns how many were
// removed. Errors are logged, never returned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("output dir missing, nothing to sweep", slog.String("dir", s.dir))
		} else {
			s.log.Warn("failed to list output dir", slog.String("dir", s.dir), slogError(err))
		}
		return 0
	}

	cutoff := s.clock().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.log.Debug("file vanished before stat", slog.String("path", path))
			} else {
				s.log.Warn("failed to stat audio file", slog.String("path", path), slogError(err))
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.log.Debug("file vanished before delete", slog.String("path", path))
			} else {
				s.log.Warn("failed to delete audio file", slog.String("path", path), slogError(err))
			}
			continue
		}
		removed++
		s.log.Debug("deleted expired audio", slog.String("path", path))
	}

	if removed > 0 {
		s.log.Info("retention sweep completed", slog.Int("deleted", removed))
		if s.deleted != nil {
			s.deleted.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("dir", s.dir)))
		}
	}
	return removed
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MaybeSweep(ctx)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
