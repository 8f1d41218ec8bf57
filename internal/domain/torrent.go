package domain

import "time"

type TorrentURLType string

const (
	TorrentURLTypeFile   TorrentURLType = "torrent"
	TorrentURLTypeMagnet TorrentURLType = "magnet"
)

// Torrent is one raw indexer search result. Rows are never deleted; the
// table is the append-only audit trail of which candidates were seen and
// how the pipeline judged them.
type Torrent struct {
	ID          int64
	URLHash     uint64
	MediaID     int64
	MediaType   MediaType
	Title       string
	Quality     Quality
	Codec       Codec
	VideoSource VideoSource
	Seeders     int
	Peers       int
	SizeBytes   int64
	URL         string
	URLType     TorrentURLType
	Indexer     string
	PubDate     time.Time
	Processed   bool
	Rejected    bool
	Skip        bool
	CreatedAt   time.Time
}

// Availability scores download resilience. Seeders hold complete copies,
// peers only partial ones, hence the 10x weight.
func (t Torrent) Availability() int {
	return t.Seeders*10 + t.Peers
}

func (t Torrent) Bucket() Bucket {
	return Bucket{MediaID: t.MediaID, Quality: t.Quality, Codec: t.Codec}
}
