package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/indexer"
	"streamarr/internal/parser"
	"streamarr/internal/repository"
	"streamarr/internal/service"
)

// runSearch queries the applicable indexers in priority order and
// persists every result as a candidate row. It exits early once the
// requested bucket holds enough candidates: indexers are slow and
// rate-limited, and ranking quality matters more than exhaustiveness.
func (p *Pipeline) runSearch(ctx context.Context, req Request) error {
	bucket := req.bucket()
	logger := p.logger.WithFields(logrus.Fields{"media": req.Media.Slug, "quality": int(req.Quality)})

	if err := p.states.Set(ctx, bucket, repository.SearchStateSearching); err != nil {
		return err
	}

	query := indexer.Query{
		MediaType: req.Media.Type,
		Text:      searchText(req.Media),
		Season:    req.Media.Season,
		Episode:   req.Media.Episode,
		IMDbID:    req.Media.IMDbID,
	}

	candidates := 0
	for _, client := range p.registry.ForMediaType(req.Media.Type) {
		results, err := client.Search(ctx, query)
		if errors.Is(err, indexer.ErrChallenge) {
			// Credential/config problem: give up on this indexer only,
			// loudly, without tripping retry logic.
			logger.WithField("indexer", client.Name()).Errorf("indexer challenge: %v", err)
			continue
		}
		if err != nil {
			logger.WithField("indexer", client.Name()).Warnf("search failed: %v", err)
			continue
		}

		for _, res := range results {
			if err := p.persistResult(ctx, req, res); err != nil {
				logger.Warnf("persist result %q: %v", res.Title, err)
			}
		}

		count, err := p.torrents.CountCandidates(ctx, bucket)
		if err != nil {
			return err
		}
		candidates = count
		if p.engine.BucketSatisfied(count) {
			logger.Debugf("bucket satisfied with %d candidates", count)
			break
		}
	}

	if candidates == 0 {
		logger.Info("search finished with no candidates")
		return p.states.Set(ctx, bucket, repository.SearchStateNoResults)
	}
	logger.Infof("search finished with %d candidates", candidates)
	return p.states.Set(ctx, bucket, repository.SearchStateSearched)
}

func (p *Pipeline) persistResult(ctx context.Context, req Request, res indexer.Result) error {
	release := parser.Parse(res.Title, res.Description)

	torrent := &domain.Torrent{
		URLHash:     xxhash.Sum64String(res.URL),
		MediaID:     req.Media.ID,
		MediaType:   req.Media.Type,
		Title:       res.Title,
		Quality:     release.Quality,
		Codec:       release.Codec,
		VideoSource: release.VideoSource,
		Seeders:     res.Seeders,
		Peers:       res.Peers,
		SizeBytes:   res.SizeBytes,
		URL:         res.URL,
		URLType:     res.URLType,
		Indexer:     res.Indexer,
		PubDate:     res.PubDate,
		// Mismatches stay in the audit log but are never candidates.
		Skip: !matchesMedia(release, req.Media),
	}
	_, err := p.torrents.CreateIfNew(ctx, torrent)
	return err
}

func searchText(media service.MediaInfo) string {
	if media.Type == domain.MediaTypeMovie && media.Year > 0 {
		return fmt.Sprintf("%s %d", media.Title, media.Year)
	}
	return media.Title
}

func matchesMedia(release parser.Release, media service.MediaInfo) bool {
	if media.Season > 0 && release.Season != media.Season {
		return false
	}
	if media.Episode > 0 && release.Episode != media.Episode {
		return false
	}
	want := normalizeTitle(media.Title)
	got := normalizeTitle(release.Title)
	if want == "" || got == "" {
		return false
	}
	return got == want || strings.HasPrefix(got, want) || strings.HasPrefix(want, got)
}

func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
