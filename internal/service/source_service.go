package service

import (
	"context"
	"time"

	"streamarr/internal/domain"
	"streamarr/internal/ranking"
	"streamarr/internal/repository"
)

// SourceService coordinates source-level operations backed by the
// repositories.
type SourceService interface {
	// FindAccepted returns the best non-rejected source for the media at
	// the given quality. With an empty codec the configured codec order
	// decides, availability breaking ties; a non-empty codec narrows the
	// lookup to that codec.
	FindAccepted(ctx context.Context, mediaID int64, quality domain.Quality, codec domain.Codec) (*domain.Source, error)
	Get(ctx context.Context, id int64) (*domain.Source, error)
	// Accept persists a validated source and marks its origin torrent
	// processed. Sibling candidates in the bucket stay unprocessed as
	// fallbacks for a later eviction.
	Accept(ctx context.Context, source *domain.Source) error
	Reject(ctx context.Context, id int64) error
	UpdateDownloadState(ctx context.Context, id int64, status domain.SourceStatus, percentage float64, bitfield []byte, path string) error
	Touch(ctx context.Context, id int64) error
	ClearStorage(ctx context.Context, id int64) error
}

type sourceService struct {
	sources  repository.SourceRepository
	torrents repository.TorrentRepository
	engine   *ranking.Engine
}

func NewSourceService(sources repository.SourceRepository, torrents repository.TorrentRepository, engine *ranking.Engine) SourceService {
	return &sourceService{sources: sources, torrents: torrents, engine: engine}
}

func (s *sourceService) FindAccepted(ctx context.Context, mediaID int64, quality domain.Quality, codec domain.Codec) (*domain.Source, error) {
	if codec != "" {
		return s.sources.FindAccepted(ctx, mediaID, quality, codec)
	}
	accepted, err := s.sources.ListAccepted(ctx, mediaID, quality)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, domain.ErrNotFound
	}
	// Rows arrive availability-first, so within a codec tier the first
	// hit is already the best one.
	best := &accepted[0]
	for i := 1; i < len(accepted); i++ {
		if s.engine.CodecRank(accepted[i].Codec) > s.engine.CodecRank(best.Codec) {
			best = &accepted[i]
		}
	}
	return best, nil
}

func (s *sourceService) Get(ctx context.Context, id int64) (*domain.Source, error) {
	return s.sources.Get(ctx, id)
}

func (s *sourceService) Accept(ctx context.Context, source *domain.Source) error {
	if err := s.sources.Upsert(ctx, source); err != nil {
		return err
	}
	if source.TorrentID != 0 {
		return s.torrents.MarkProcessed(ctx, source.TorrentID)
	}
	return nil
}

func (s *sourceService) Reject(ctx context.Context, id int64) error {
	return s.sources.MarkRejected(ctx, id)
}

func (s *sourceService) UpdateDownloadState(ctx context.Context, id int64, status domain.SourceStatus, percentage float64, bitfield []byte, path string) error {
	return s.sources.UpdateDownloadState(ctx, id, status, percentage, bitfield, path)
}

func (s *sourceService) Touch(ctx context.Context, id int64) error {
	return s.sources.Touch(ctx, id, time.Now().UTC())
}

func (s *sourceService) ClearStorage(ctx context.Context, id int64) error {
	return s.sources.ClearStorage(ctx, id)
}
