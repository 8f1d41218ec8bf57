package repository

import (
	"context"

	"streamarr/internal/domain"
)

// TorrentRepository persists raw indexer candidates. Rows are append-only:
// the pipeline flips processed/rejected/skip flags but never deletes, so
// the table doubles as the audit trail for candidate selection.
type TorrentRepository interface {
	Init(ctx context.Context) error
	// CreateIfNew inserts the torrent unless a row with the same URL hash
	// already exists. Reports whether a row was created.
	CreateIfNew(ctx context.Context, torrent *domain.Torrent) (bool, error)
	Get(ctx context.Context, id int64) (*domain.Torrent, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkRejected(ctx context.Context, id int64) error
	CountCandidates(ctx context.Context, bucket domain.Bucket) (int, error)
	// FindUnprocessedTopPerBucket returns the perBucket most available
	// unprocessed candidates for each (quality, codec) bucket of the
	// media item. Ranking happens in SQL so the full candidate set never
	// loads into the worker.
	FindUnprocessedTopPerBucket(ctx context.Context, mediaID int64, perBucket int) ([]domain.Torrent, error)
	ListByMedia(ctx context.Context, mediaID int64) ([]domain.Torrent, error)
}

// SearchState is the per-bucket progress of the search stage. Absence of
// a row means "not yet searched"; SearchStateNoResults is the terminal
// negative distinct from it.
type SearchState string

const (
	SearchStateSearching SearchState = "searching"
	SearchStateSearched  SearchState = "searched"
	SearchStateNoResults SearchState = "no-results"
)

type SearchStateRepository interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, bucket domain.Bucket) (SearchState, error)
	Set(ctx context.Context, bucket domain.Bucket, state SearchState) error
}
