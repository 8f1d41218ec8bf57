package repository

import (
	"context"
	"time"

	"streamarr/internal/domain"
)

// SourceRepository persists accepted, downloadable media variants. At
// most one non-rejected source exists per (media, quality, codec); the
// upsert enforces it.
type SourceRepository interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, source *domain.Source) error
	Get(ctx context.Context, id int64) (*domain.Source, error)
	// FindAccepted returns the best non-rejected source for the media at
	// the given quality, most available first. codec narrows the lookup
	// when non-empty.
	FindAccepted(ctx context.Context, mediaID int64, quality domain.Quality, codec domain.Codec) (*domain.Source, error)
	// ListAccepted returns every non-rejected source for the media at the
	// given quality, most available first, for codec-aware selection in
	// the service layer.
	ListAccepted(ctx context.Context, mediaID int64, quality domain.Quality) ([]domain.Source, error)
	UpdateDownloadState(ctx context.Context, id int64, status domain.SourceStatus, percentage float64, bitfield []byte, path string) error
	Touch(ctx context.Context, id int64, usedAt time.Time) error
	MarkRejected(ctx context.Context, id int64) error
	// ClearStorage zeroes the stored bytes, bitfield, and path after
	// eviction. The row survives as a historical record and the source
	// can be re-downloaded later.
	ClearStorage(ctx context.Context, id int64) error
	ListOccupying(ctx context.Context) ([]domain.Source, error)
	TotalBytes(ctx context.Context) (int64, error)
}
