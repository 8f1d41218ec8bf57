package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamarr/internal/domain"
	"streamarr/internal/repository"
)

const createSourcesTable = `
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	media_id INTEGER NOT NULL,
	media_slug TEXT NOT NULL,
	media_type TEXT NOT NULL,
	quality INTEGER NOT NULL,
	codec TEXT NOT NULL,
	video_source TEXT NOT NULL,
	torrent_id INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	torrent_metadata BLOB,
	videos TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	download_percentage REAL NOT NULL DEFAULT 0,
	downloaded_bitfield BLOB,
	downloaded_path TEXT NOT NULL DEFAULT '',
	last_used_at DATETIME NOT NULL,
	availability INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (media_id, quality, codec)
);
`

const sourceColumns = `id, media_id, media_slug, media_type, quality, codec, video_source, torrent_id, size_bytes, torrent_metadata, videos, status, download_percentage, downloaded_bitfield, downloaded_path, last_used_at, availability, rejected, created_at, updated_at`

type SourceRepository struct {
	db *sql.DB
}

func NewSourceRepository(db *sql.DB) repository.SourceRepository {
	return &SourceRepository{db: db}
}

func (r *SourceRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSourcesTable); err != nil {
		return fmt.Errorf("create sources table: %w", err)
	}
	return nil
}

func (r *SourceRepository) Upsert(ctx context.Context, source *domain.Source) error {
	now := time.Now().UTC()
	source.UpdatedAt = now
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	if source.LastUsedAt.IsZero() {
		source.LastUsedAt = now
	}
	videos, err := json.Marshal(source.Videos)
	if err != nil {
		return fmt.Errorf("marshal videos: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sources (media_id, media_slug, media_type, quality, codec, video_source, torrent_id, size_bytes, torrent_metadata, videos, status, download_percentage, downloaded_bitfield, downloaded_path, last_used_at, availability, rejected, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (media_id, quality, codec) DO UPDATE SET
	media_slug = excluded.media_slug,
	video_source = excluded.video_source,
	torrent_id = excluded.torrent_id,
	size_bytes = excluded.size_bytes,
	torrent_metadata = excluded.torrent_metadata,
	videos = excluded.videos,
	status = excluded.status,
	download_percentage = excluded.download_percentage,
	downloaded_bitfield = excluded.downloaded_bitfield,
	downloaded_path = excluded.downloaded_path,
	last_used_at = excluded.last_used_at,
	availability = excluded.availability,
	rejected = excluded.rejected,
	updated_at = excluded.updated_at`,
		source.MediaID,
		source.MediaSlug,
		string(source.MediaType),
		int(source.Quality),
		string(source.Codec),
		string(source.VideoSource),
		source.TorrentID,
		source.SizeBytes,
		source.TorrentMetadata,
		string(videos),
		string(source.Status),
		source.DownloadPercentage,
		source.DownloadedBitfield,
		source.DownloadedPath,
		source.LastUsedAt.UTC(),
		source.Availability,
		source.Rejected,
		source.CreatedAt.UTC(),
		source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT id FROM sources WHERE media_id = ? AND quality = ? AND codec = ?`,
		source.MediaID, int(source.Quality), string(source.Codec))
	if err := row.Scan(&source.ID); err != nil {
		return fmt.Errorf("resolve source id: %w", err)
	}
	return nil
}

func (r *SourceRepository) Get(ctx context.Context, id int64) (*domain.Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	source, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

func (r *SourceRepository) FindAccepted(ctx context.Context, mediaID int64, quality domain.Quality, codec domain.Codec) (*domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE media_id = ? AND quality = ? AND rejected = 0`
	args := []any{mediaID, int(quality)}
	if codec != "" {
		query += ` AND codec = ?`
		args = append(args, string(codec))
	}
	query += ` ORDER BY availability DESC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, args...)
	source, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find accepted source: %w", err)
	}
	return source, nil
}

func (r *SourceRepository) ListAccepted(ctx context.Context, mediaID int64, quality domain.Quality) ([]domain.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sourceColumns+` FROM sources
WHERE media_id = ? AND quality = ? AND rejected = 0
ORDER BY availability DESC`, mediaID, int(quality))
	if err != nil {
		return nil, fmt.Errorf("list accepted sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

func (r *SourceRepository) UpdateDownloadState(ctx context.Context, id int64, status domain.SourceStatus, percentage float64, bitfield []byte, path string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sources
SET status = ?, download_percentage = ?, downloaded_bitfield = ?, downloaded_path = ?, updated_at = ?
WHERE id = ?`,
		string(status),
		percentage,
		bitfield,
		path,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update download state: %w", err)
	}
	return nil
}

func (r *SourceRepository) Touch(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sources SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		usedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

func (r *SourceRepository) MarkRejected(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sources SET rejected = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark source rejected: %w", err)
	}
	return nil
}

func (r *SourceRepository) ClearStorage(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sources
SET size_bytes = 0, downloaded_bitfield = NULL, downloaded_path = '', download_percentage = 0, status = ?, updated_at = ?
WHERE id = ?`,
		string(domain.SourceStatusCreated),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("clear source storage: %w", err)
	}
	return nil
}

func (r *SourceRepository) ListOccupying(ctx context.Context) ([]domain.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sourceColumns+` FROM sources
WHERE size_bytes > 0 AND downloaded_path != ''
ORDER BY last_used_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list occupying sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// TotalBytes recomputes quota occupancy from persisted rows; there is no
// in-memory counter to drift.
func (r *SourceRepository) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM sources WHERE downloaded_path != ''`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum source bytes: %w", err)
	}
	return total.Int64, nil
}

func scanSource(row rowScanner) (*domain.Source, error) {
	var (
		s        domain.Source
		quality  int
		videos   string
		metadata []byte
		bitfield []byte
	)
	err := row.Scan(
		&s.ID,
		&s.MediaID,
		&s.MediaSlug,
		&s.MediaType,
		&quality,
		&s.Codec,
		&s.VideoSource,
		&s.TorrentID,
		&s.SizeBytes,
		&metadata,
		&videos,
		&s.Status,
		&s.DownloadPercentage,
		&bitfield,
		&s.DownloadedPath,
		&s.LastUsedAt,
		&s.Availability,
		&s.Rejected,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Quality = domain.Quality(quality)
	s.TorrentMetadata = metadata
	s.DownloadedBitfield = bitfield
	if err := json.Unmarshal([]byte(videos), &s.Videos); err != nil {
		return nil, fmt.Errorf("unmarshal videos: %w", err)
	}
	return &s, nil
}
