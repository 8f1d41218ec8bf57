// Package pipeline drives source acquisition through its staged state
// machine: search indexers, scan and rank persisted candidates, download
// and validate the best ones.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/indexer"
	"streamarr/internal/queue"
	"streamarr/internal/ranking"
	"streamarr/internal/repository"
	"streamarr/internal/service"
)

var (
	// ErrNoValidVideo marks a candidate whose torrent contains no
	// qualifying video file; the orchestrator advances to the next one.
	ErrNoValidVideo = errors.New("no valid video file in torrent")

	// ErrNoSourceFound is the terminal negative: every applicable
	// indexer and candidate has been exhausted.
	ErrNoSourceFound = errors.New("no source found")
)

// Urgency places a request in a priority band. Only the relative order
// matters: a waiting user always beats list position, which always beats
// background work.
type Urgency int

const (
	UrgencyBackground Urgency = iota
	UrgencyList
	UrgencyUser
)

// Request asks the pipeline for a playable source.
type Request struct {
	Media     service.MediaInfo
	Quality   domain.Quality
	Codec     domain.Codec // empty means any codec
	Urgency   Urgency
	ListIndex int
}

func (r Request) bucket() domain.Bucket {
	return domain.Bucket{MediaID: r.Media.ID, Quality: r.Quality, Codec: r.Codec}
}

type Config struct {
	SearchWorkers       int
	ScanWorkers         int
	DownloadWorkers     int
	CandidatesPerBucket int
	MaxScanRounds       int
	EnsureTimeout       time.Duration
	FailureRateStep     time.Duration
	RetryAttempts       uint
	RetryDelay          time.Duration
	// ListPriorityCutoff is the recommendation-list index below which a
	// request still counts as important.
	ListPriorityCutoff int
	// Priority bands per urgency. Only relative order matters.
	PriorityBackground queue.Priority
	PriorityNormal     queue.Priority
	PriorityUrgent     queue.Priority
	// RetryNoResults re-runs the search for buckets previously marked
	// no-results instead of treating them as terminal.
	RetryNoResults bool
}

func (c *Config) applyDefaults() {
	if c.SearchWorkers <= 0 {
		c.SearchWorkers = 2
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = 1
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 4
	}
	if c.CandidatesPerBucket <= 0 {
		c.CandidatesPerBucket = 2
	}
	if c.MaxScanRounds <= 0 {
		c.MaxScanRounds = 5
	}
	if c.EnsureTimeout == 0 {
		c.EnsureTimeout = 10 * time.Minute
	}
	if c.FailureRateStep == 0 {
		c.FailureRateStep = 2 * time.Second
	}
	if c.ListPriorityCutoff <= 0 {
		c.ListPriorityCutoff = 10
	}
	if c.PriorityBackground == 0 {
		c.PriorityBackground = queue.PriorityBackground
	}
	if c.PriorityNormal == 0 {
		c.PriorityNormal = queue.PriorityNormal
	}
	if c.PriorityUrgent == 0 {
		c.PriorityUrgent = queue.PriorityUrgent
	}
}

// Pipeline owns the per-stage queues and the stage logic.
type Pipeline struct {
	cfg      Config
	registry *indexer.Registry
	engine   *ranking.Engine
	torrents repository.TorrentRepository
	states   repository.SearchStateRepository
	sources  service.SourceService
	fetcher  MetadataFetcher
	logger   *logrus.Logger

	searchQ   *queue.Queue
	scanQ     *queue.Queue
	downloadQ *queue.Queue

	mu        sync.Mutex
	downloads map[domain.Bucket][]*queue.Handle

	ctx context.Context
}

func New(cfg Config, registry *indexer.Registry, engine *ranking.Engine, torrents repository.TorrentRepository, states repository.SearchStateRepository, sources service.SourceService, fetcher MetadataFetcher, logger *logrus.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		torrents: torrents,
		states:   states,
		sources:  sources,
		fetcher:  fetcher,
		logger:   logger,
		searchQ: queue.New(queue.Config{
			Name:            "search",
			Workers:         cfg.SearchWorkers,
			FailureRateStep: cfg.FailureRateStep,
			Logger:          logger,
		}),
		scanQ: queue.New(queue.Config{
			Name:    "scan",
			Workers: cfg.ScanWorkers,
			Logger:  logger,
		}),
		downloadQ: queue.New(queue.Config{
			Name:            "download",
			Workers:         cfg.DownloadWorkers,
			FailureRateStep: cfg.FailureRateStep,
			Logger:          logger,
		}),
		downloads: make(map[domain.Bucket][]*queue.Handle),
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	p.searchQ.Start(ctx)
	p.scanQ.Start(ctx)
	p.downloadQ.Start(ctx)
	p.logger.Infof("pipeline started (search=%d scan=%d download=%d workers)",
		p.cfg.SearchWorkers, p.cfg.ScanWorkers, p.cfg.DownloadWorkers)
}

func (p *Pipeline) Shutdown() {
	p.searchQ.Shutdown()
	p.scanQ.Shutdown()
	p.downloadQ.Shutdown()
	p.logger.Info("pipeline stopped")
}

// EnsureSource synchronously drives the state machine for one bucket
// until an accepted source exists, every candidate is rejected, or ctx
// expires. Concurrent calls for the same bucket collapse onto the same
// underlying jobs.
func (p *Pipeline) EnsureSource(ctx context.Context, req Request) (*domain.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EnsureTimeout)
	defer cancel()

	if src, err := p.findAccepted(ctx, req); err == nil {
		return src, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	bucket := req.bucket()
	state, err := p.states.Get(ctx, bucket)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if state == repository.SearchStateNoResults && !p.cfg.RetryNoResults {
		return nil, fmt.Errorf("bucket %v already searched: %w", bucket, ErrNoSourceFound)
	}

	if state != repository.SearchStateSearched {
		if err := p.submitSearch(req).Wait(ctx); err != nil {
			return nil, fmt.Errorf("search %s: %w", req.Media.Slug, err)
		}
	}

	for round := 0; round < p.cfg.MaxScanRounds; round++ {
		if err := p.submitScan(req).Wait(ctx); err != nil {
			return nil, fmt.Errorf("scan %s: %w", req.Media.Slug, err)
		}

		handles := p.takeDownloads(req)
		if len(handles) == 0 {
			break
		}
		for _, h := range handles {
			// A failed candidate is not fatal; the next round falls
			// through to the remaining ones.
			if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if src, err := p.findAccepted(ctx, req); err == nil {
			return src, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	// A concurrent caller for the same bucket may have accepted a source
	// while this one was scanning, leaving it nothing left to download.
	if src, err := p.findAccepted(ctx, req); err == nil {
		return src, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	return nil, ErrNoSourceFound
}

// Acquire runs EnsureSource detached, for catalog jobs and other callers
// that do not need the result.
func (p *Pipeline) Acquire(req Request) {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if _, err := p.EnsureSource(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.WithField("media", req.Media.Slug).Debugf("background acquire: %v", err)
		}
	}()
}

func (p *Pipeline) findAccepted(ctx context.Context, req Request) (*domain.Source, error) {
	return p.sources.FindAccepted(ctx, req.Media.ID, req.Quality, req.Codec)
}

func (p *Pipeline) priorityFor(req Request) queue.Priority {
	switch {
	case req.Urgency == UrgencyUser:
		return p.cfg.PriorityUrgent
	case req.ListIndex < p.cfg.ListPriorityCutoff:
		return p.cfg.PriorityNormal
	default:
		return p.cfg.PriorityBackground
	}
}

func (p *Pipeline) submitSearch(req Request) *queue.Handle {
	return p.searchQ.Submit(queue.Job{
		ID: queue.JobID("search",
			strconv.FormatInt(req.Media.ID, 10),
			string(req.Media.Type),
			strconv.Itoa(int(req.Quality)),
			string(req.Codec),
		),
		Name:     "search",
		Priority: p.priorityFor(req),
		Run: func(ctx context.Context) error {
			return p.runSearch(ctx, req)
		},
	})
}

func (p *Pipeline) submitScan(req Request) *queue.Handle {
	return p.scanQ.Submit(queue.Job{
		ID:       queue.JobID("scan", strconv.FormatInt(req.Media.ID, 10)),
		Name:     "scan",
		Priority: p.priorityFor(req),
		Run: func(ctx context.Context) error {
			return p.runScan(ctx, req)
		},
	})
}

func (p *Pipeline) submitDownload(req Request, candidate domain.Torrent, listIndex int) *queue.Handle {
	prio := req
	prio.ListIndex = listIndex
	return p.downloadQ.Submit(queue.Job{
		ID:          queue.JobID("download", strconv.FormatUint(candidate.URLHash, 16)),
		Name:        "download",
		Priority:    p.priorityFor(prio),
		MaxAttempts: 2,
		Backoff:     p.cfg.RetryDelay,
		Run: func(ctx context.Context) error {
			return p.runDownload(ctx, candidate, req.Media)
		},
	})
}

func (p *Pipeline) recordDownload(bucket domain.Bucket, h *queue.Handle) {
	p.mu.Lock()
	p.downloads[bucket] = append(p.downloads[bucket], h)
	p.mu.Unlock()
}

// takeDownloads drains the pending download handles relevant to req's
// bucket; an empty codec matches every codec at that quality.
func (p *Pipeline) takeDownloads(req Request) []*queue.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var handles []*queue.Handle
	for bucket, hs := range p.downloads {
		if bucket.MediaID != req.Media.ID || bucket.Quality != req.Quality {
			continue
		}
		if req.Codec != "" && bucket.Codec.Base() != req.Codec.Base() {
			continue
		}
		handles = append(handles, hs...)
		delete(p.downloads, bucket)
	}
	return handles
}
