// Package storage enforces the disk quota over downloaded sources.
// Space is reclaimed least-recently-streamed first; the quota is a hard
// ceiling, so sources with live sessions are reclaimed too once the idle
// ones are gone.
package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/repository"
)

// SessionController is how the manager asks the streaming layer about
// (and disposes of) live sessions. Tearing down a source must release
// its torrent handle and delete its data directory.
type SessionController interface {
	SourceActive(sourceID int64) bool
	TeardownSource(ctx context.Context, sourceID int64) error
}

type Config struct {
	QuotaBytes int64
	Interval   time.Duration
}

// Manager runs the eviction loop. Usage totals are always recomputed
// from the persisted sources rather than tracked incrementally, so a
// crashed download or a manual delete cannot skew the accounting.
type Manager struct {
	cfg     Config
	sources repository.SourceRepository
	logger  *logrus.Logger
	kick    chan struct{}

	mu       sync.Mutex
	sessions SessionController
}

func NewManager(cfg Config, sources repository.SourceRepository, logger *logrus.Logger) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:     cfg,
		sources: sources,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// BindSessions wires the streaming layer in. The manager treats every
// source as idle until this is called.
func (m *Manager) BindSessions(sc SessionController) {
	m.mu.Lock()
	m.sessions = sc
	m.mu.Unlock()
}

// Kick requests an eviction pass outside the regular interval, e.g.
// after a batch of pieces lands. Coalesces when a pass is already
// pending.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		if err := m.Evict(ctx); err != nil {
			m.logger.Errorf("eviction pass: %v", err)
		}
	}
}

// Evict reclaims space until usage fits the quota again. Idle sources
// go first, oldest stream activity first; live sessions are destroyed
// only when dropping every idle source still leaves us over.
func (m *Manager) Evict(ctx context.Context) error {
	if m.cfg.QuotaBytes <= 0 {
		return nil
	}

	total, err := m.sources.TotalBytes(ctx)
	if err != nil {
		return fmt.Errorf("total bytes: %w", err)
	}
	if total <= m.cfg.QuotaBytes {
		return nil
	}

	occupying, err := m.sources.ListOccupying(ctx)
	if err != nil {
		return fmt.Errorf("list occupying: %w", err)
	}

	m.logger.Infof("over quota (%d of %d bytes), %d sources occupying",
		total, m.cfg.QuotaBytes, len(occupying))

	for _, pass := range []bool{false, true} {
		for _, src := range occupying {
			if total <= m.cfg.QuotaBytes {
				return nil
			}
			if m.sourceActive(src.ID) != pass {
				continue
			}
			if err := m.reclaim(ctx, src, pass); err != nil {
				m.logger.WithField("source", src.ID).Errorf("reclaim: %v", err)
				continue
			}
			total -= src.SizeBytes
		}
	}
	return nil
}

func (m *Manager) sourceActive(sourceID int64) bool {
	m.mu.Lock()
	sc := m.sessions
	m.mu.Unlock()
	return sc != nil && sc.SourceActive(sourceID)
}

func (m *Manager) reclaim(ctx context.Context, src domain.Source, active bool) error {
	logger := m.logger.WithFields(logrus.Fields{
		"source": src.ID,
		"media":  src.MediaSlug,
		"bytes":  src.SizeBytes,
	})

	if active {
		m.mu.Lock()
		sc := m.sessions
		m.mu.Unlock()
		logger.Warn("evicting source with a live session")
		if err := sc.TeardownSource(ctx, src.ID); err != nil {
			return fmt.Errorf("teardown session: %w", err)
		}
	} else if src.DownloadedPath != "" {
		if err := os.RemoveAll(src.DownloadedPath); err != nil {
			return fmt.Errorf("remove %s: %w", src.DownloadedPath, err)
		}
	}

	if err := m.sources.ClearStorage(ctx, src.ID); err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	logger.Info("evicted source")
	return nil
}
