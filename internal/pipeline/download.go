package pipeline

import (
	"context"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/queue"
	"streamarr/internal/service"
)

// runDownload resolves one candidate's torrent metadata, validates the
// contained files against the bitrate thresholds, and on success accepts
// it as the bucket's source. Sibling candidates stay unprocessed so an
// eviction can fall back to them later.
func (p *Pipeline) runDownload(ctx context.Context, candidate domain.Torrent, media service.MediaInfo) error {
	logger := p.logger.WithFields(logrus.Fields{
		"media":   media.Slug,
		"torrent": candidate.ID,
		"indexer": candidate.Indexer,
	})

	var (
		md  *TorrentMetadata
		err error
	)
	if candidate.URLType == domain.TorrentURLTypeMagnet {
		md, err = p.fetcher.ResolveMagnet(ctx, candidate.URL)
	} else {
		md, err = p.fetcher.FetchTorrent(ctx, candidate.URL)
	}
	if err != nil {
		return queue.Transient(fmt.Errorf("fetch candidate %d: %w", candidate.ID, err))
	}

	videos := selectVideoFiles(md.Files, candidate.Quality, candidate.Codec, media.RuntimeMinutes)
	if len(videos) == 0 {
		logger.Infof("no qualifying video file among %d entries, rejecting", len(md.Files))
		if markErr := p.torrents.MarkRejected(ctx, candidate.ID); markErr != nil {
			logger.Errorf("mark rejected: %v", markErr)
		}
		return fmt.Errorf("candidate %d: %w", candidate.ID, ErrNoValidVideo)
	}

	var totalBytes int64
	names := make([]string, len(videos))
	for i, v := range videos {
		totalBytes += v.Length
		names[i] = path.Base(v.Path)
	}

	source := &domain.Source{
		MediaID:         media.ID,
		MediaSlug:       media.Slug,
		MediaType:       media.Type,
		Quality:         candidate.Quality,
		Codec:           candidate.Codec,
		VideoSource:     candidate.VideoSource,
		TorrentID:       candidate.ID,
		SizeBytes:       totalBytes,
		TorrentMetadata: md.Raw,
		Videos:          names,
		Status:          domain.SourceStatusCreated,
		Availability:    candidate.Availability(),
	}
	if err := p.sources.Accept(ctx, source); err != nil {
		return fmt.Errorf("accept source for candidate %d: %w", candidate.ID, err)
	}

	logger.Infof("accepted source %d (%d video files, %d bytes)", source.ID, len(names), totalBytes)
	return nil
}
