package domain

import "time"

type SourceStatus string

const (
	SourceStatusCreated     SourceStatus = "created"
	SourceStatusDownloading SourceStatus = "downloading"
	SourceStatusCompleted   SourceStatus = "completed"
)

// Source is a validated, downloadable media variant. At most one accepted
// Source exists per (media, quality, codec); eviction clears its stored
// bytes but keeps the row as a historical record.
type Source struct {
	ID                 int64
	MediaID            int64
	MediaSlug          string
	MediaType          MediaType
	Quality            Quality
	Codec              Codec
	VideoSource        VideoSource
	TorrentID          int64
	SizeBytes          int64
	TorrentMetadata    []byte
	Videos             []string
	Status             SourceStatus
	DownloadPercentage float64
	DownloadedBitfield []byte
	DownloadedPath     string
	LastUsedAt         time.Time
	Availability       int
	Rejected           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Occupying reports whether the source currently holds bytes on disk and
// therefore counts against the storage quota.
func (s Source) Occupying() bool {
	return s.SizeBytes > 0 && s.DownloadedPath != ""
}

func (s Source) Bucket() Bucket {
	return Bucket{MediaID: s.MediaID, Quality: s.Quality, Codec: s.Codec}
}
