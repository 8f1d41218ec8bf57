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

const createTorrentsTable = `
CREATE TABLE IF NOT EXISTS torrents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url_hash INTEGER NOT NULL UNIQUE,
	media_id INTEGER NOT NULL,
	media_type TEXT NOT NULL,
	title TEXT NOT NULL,
	quality INTEGER NOT NULL,
	codec TEXT NOT NULL,
	video_source TEXT NOT NULL,
	seeders INTEGER NOT NULL DEFAULT 0,
	peers INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	url TEXT NOT NULL,
	url_type TEXT NOT NULL,
	indexer TEXT NOT NULL DEFAULT '',
	pub_date DATETIME NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	skip INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_torrents_bucket ON torrents (media_id, quality, codec);
`

const torrentColumns = `id, url_hash, media_id, media_type, title, quality, codec, video_source, seeders, peers, size_bytes, url, url_type, indexer, pub_date, processed, rejected, skip, created_at`

type TorrentRepository struct {
	db *sql.DB
}

func NewTorrentRepository(db *sql.DB) repository.TorrentRepository {
	return &TorrentRepository{db: db}
}

func (r *TorrentRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTorrentsTable); err != nil {
		return fmt.Errorf("create torrents table: %w", err)
	}
	return nil
}

func (r *TorrentRepository) CreateIfNew(ctx context.Context, torrent *domain.Torrent) (bool, error) {
	torrent.CreatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
INSERT INTO torrents (url_hash, media_id, media_type, title, quality, codec, video_source, seeders, peers, size_bytes, url, url_type, indexer, pub_date, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url_hash) DO NOTHING`,
		int64(torrent.URLHash),
		torrent.MediaID,
		string(torrent.MediaType),
		torrent.Title,
		int(torrent.Quality),
		string(torrent.Codec),
		string(torrent.VideoSource),
		torrent.Seeders,
		torrent.Peers,
		torrent.SizeBytes,
		torrent.URL,
		string(torrent.URLType),
		torrent.Indexer,
		nullableTime(torrent.PubDate),
		torrent.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert torrent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get last insert id: %w", err)
	}
	torrent.ID = id
	return true, nil
}

func (r *TorrentRepository) Get(ctx context.Context, id int64) (*domain.Torrent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE id = ?`, id)
	torrent, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get torrent: %w", err)
	}
	return torrent, nil
}

func (r *TorrentRepository) MarkProcessed(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, "processed")
}

func (r *TorrentRepository) MarkRejected(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, "rejected")
}

func (r *TorrentRepository) setFlag(ctx context.Context, id int64, column string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE torrents SET `+column+` = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark torrent %s: %w", column, err)
	}
	return nil
}

// CountCandidates counts usable candidates in a bucket. An empty codec
// spans every codec at that quality.
func (r *TorrentRepository) CountCandidates(ctx context.Context, bucket domain.Bucket) (int, error) {
	query := `SELECT COUNT(*) FROM torrents WHERE media_id = ? AND quality = ? AND rejected = 0 AND skip = 0`
	args := []any{bucket.MediaID, int(bucket.Quality)}
	if bucket.Codec != "" {
		query += ` AND codec = ?`
		args = append(args, string(bucket.Codec))
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count candidates: %w", err)
	}
	return count, nil
}

// FindUnprocessedTopPerBucket ranks candidates inside SQL: a window
// function numbers each bucket's rows by availability so only the top
// perBucket per (quality, codec) ever reach the worker.
func (r *TorrentRepository) FindUnprocessedTopPerBucket(ctx context.Context, mediaID int64, perBucket int) ([]domain.Torrent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+torrentColumns+` FROM (
	SELECT `+torrentColumns+`,
		ROW_NUMBER() OVER (
			PARTITION BY quality, codec
			ORDER BY (seeders * 10 + peers) DESC, id ASC
		) AS bucket_rank
	FROM torrents
	WHERE media_id = ? AND processed = 0 AND rejected = 0 AND skip = 0
)
WHERE bucket_rank <= ?
ORDER BY quality DESC, bucket_rank ASC`,
		mediaID,
		perBucket,
	)
	if err != nil {
		return nil, fmt.Errorf("query top candidates: %w", err)
	}
	defer rows.Close()
	return scanTorrents(rows)
}

func (r *TorrentRepository) ListByMedia(ctx context.Context, mediaID int64) ([]domain.Torrent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE media_id = ? ORDER BY id`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}
	defer rows.Close()
	return scanTorrents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTorrent(row rowScanner) (*domain.Torrent, error) {
	var (
		t       domain.Torrent
		urlHash int64
		quality int
		pubDate sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&urlHash,
		&t.MediaID,
		&t.MediaType,
		&t.Title,
		&quality,
		&t.Codec,
		&t.VideoSource,
		&t.Seeders,
		&t.Peers,
		&t.SizeBytes,
		&t.URL,
		&t.URLType,
		&t.Indexer,
		&pubDate,
		&t.Processed,
		&t.Rejected,
		&t.Skip,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.URLHash = uint64(urlHash)
	t.Quality = domain.Quality(quality)
	if pubDate.Valid {
		t.PubDate = pubDate.Time
	}
	return &t, nil
}

func scanTorrents(rows *sql.Rows) ([]domain.Torrent, error) {
	var torrents []domain.Torrent
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan torrent: %w", err)
		}
		torrents = append(torrents, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate torrents: %w", err)
	}
	return torrents, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
