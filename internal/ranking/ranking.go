// Package ranking orders torrent candidates and decides when a bucket has
// accumulated enough of them.
package ranking

import (
	"sort"

	"streamarr/internal/domain"
)

// Config defines the total orders for the quality and codec dimensions.
// Earlier entries rank higher. Entries absent from a list rank below all
// listed ones.
type Config struct {
	QualityOrder []domain.Quality
	CodecOrder   []domain.Codec
	// Unify10Bit folds 10-bit codec variants into their base tier.
	Unify10Bit bool
	// SatisfiedThreshold is the candidate count past which a bucket no
	// longer needs more search results.
	SatisfiedThreshold int
}

func DefaultConfig() Config {
	return Config{
		QualityOrder:       []domain.Quality{domain.Quality2160, domain.Quality1080, domain.Quality720, domain.Quality480},
		CodecOrder:         []domain.Codec{domain.CodecX265, domain.CodecX264, domain.CodecAV1, domain.CodecXvid, domain.CodecUnknown},
		Unify10Bit:         true,
		SatisfiedThreshold: 10,
	}
}

type Engine struct {
	cfg         Config
	qualityRank map[domain.Quality]int
	codecRank   map[domain.Codec]int
}

func NewEngine(cfg Config) *Engine {
	if cfg.SatisfiedThreshold <= 0 {
		cfg.SatisfiedThreshold = 10
	}
	e := &Engine{
		cfg:         cfg,
		qualityRank: make(map[domain.Quality]int, len(cfg.QualityOrder)),
		codecRank:   make(map[domain.Codec]int, len(cfg.CodecOrder)),
	}
	for i, q := range cfg.QualityOrder {
		e.qualityRank[q] = len(cfg.QualityOrder) - i
	}
	for i, c := range cfg.CodecOrder {
		e.codecRank[c] = len(cfg.CodecOrder) - i
	}
	return e
}

// QualityRank returns the configured rank for q; unlisted qualities rank
// lowest.
func (e *Engine) QualityRank(q domain.Quality) int {
	return e.qualityRank[q]
}

func (e *Engine) CodecRank(c domain.Codec) int {
	if e.cfg.Unify10Bit {
		c = c.Base()
	}
	return e.codecRank[c]
}

// Swarm scores a candidate's swarm health. Seeders hold complete copies,
// so they weigh 5x a partial peer.
func Swarm(t domain.Torrent) int {
	return t.Seeders*5 + t.Peers
}

// Sort orders candidates by quality descending, swarm score descending.
func (e *Engine) Sort(torrents []domain.Torrent) {
	sort.SliceStable(torrents, func(i, j int) bool {
		qi, qj := e.QualityRank(torrents[i].Quality), e.QualityRank(torrents[j].Quality)
		if qi != qj {
			return qi > qj
		}
		return Swarm(torrents[i]) > Swarm(torrents[j])
	})
}

// BucketSatisfied reports whether a bucket has enough candidates for the
// search stage to stop early.
func (e *Engine) BucketSatisfied(candidateCount int) bool {
	return candidateCount > e.cfg.SatisfiedThreshold
}

// SelectTop returns the n most available unprocessed candidates per
// bucket, the in-memory counterpart of the repository's ranking query.
func (e *Engine) SelectTop(torrents []domain.Torrent, n int) []domain.Torrent {
	byBucket := make(map[domain.Bucket][]domain.Torrent)
	var order []domain.Bucket
	for _, t := range torrents {
		if t.Processed || t.Rejected || t.Skip {
			continue
		}
		b := t.Bucket()
		if e.cfg.Unify10Bit {
			b.Codec = b.Codec.Base()
		}
		if _, seen := byBucket[b]; !seen {
			order = append(order, b)
		}
		byBucket[b] = append(byBucket[b], t)
	}

	var selected []domain.Torrent
	for _, b := range order {
		group := byBucket[b]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Availability() > group[j].Availability()
		})
		if len(group) > n {
			group = group[:n]
		}
		selected = append(selected, group...)
	}
	return selected
}
