package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"streamarr/internal/domain"
	"streamarr/internal/repository"
)

const createSearchStatesTable = `
CREATE TABLE IF NOT EXISTS search_states (
	media_id INTEGER NOT NULL,
	quality INTEGER NOT NULL,
	codec TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (media_id, quality, codec)
);
`

type SearchStateRepository struct {
	db *sql.DB
}

func NewSearchStateRepository(db *sql.DB) repository.SearchStateRepository {
	return &SearchStateRepository{db: db}
}

func (r *SearchStateRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSearchStatesTable); err != nil {
		return fmt.Errorf("create search states table: %w", err)
	}
	return nil
}

func (r *SearchStateRepository) Get(ctx context.Context, bucket domain.Bucket) (repository.SearchState, error) {
	var state string
	err := r.db.QueryRowContext(ctx, `
SELECT state FROM search_states WHERE media_id = ? AND quality = ? AND codec = ?`,
		bucket.MediaID, int(bucket.Quality), string(bucket.Codec),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get search state: %w", err)
	}
	return repository.SearchState(state), nil
}

func (r *SearchStateRepository) Set(ctx context.Context, bucket domain.Bucket, state repository.SearchState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO search_states (media_id, quality, codec, state, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (media_id, quality, codec) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		bucket.MediaID, int(bucket.Quality), string(bucket.Codec), string(state), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set search state: %w", err)
	}
	return nil
}
