package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelscope/reelscope/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

// CachedDoctor caches ffmpeg probe results so callbacks and health checks
// do not spawn a subprocess each time.
type CachedDoctor struct {
	transcoder Transcoder
	ttl        time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(t Transcoder, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedDoctor{
		transcoder: t,
		ttl:        defaultCacheTTL,
		logger:     logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.transcoder.Probe(ctx)
	if err != nil {
		d.logger.Warn("ffmpeg probe failed", "error", err)
		if d.cached != nil {
			return d.cached, nil
		}
		return nil, err
	}
	if !caps.Available {
		d.logger.Warn("ffmpeg unavailable; transcoding disabled", "error", caps.Error)
	}

	d.cached = caps
	return caps, nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
