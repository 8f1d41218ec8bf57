package pipeline

import (
	"context"
)

// runScan re-reads the persisted, unprocessed candidates for the media
// item and enqueues the top ones per bucket for download. Ranking runs
// against the stored snapshot rather than live search results, so every
// scan sees a globally consistent candidate set.
func (p *Pipeline) runScan(ctx context.Context, req Request) error {
	candidates, err := p.torrents.FindUnprocessedTopPerBucket(ctx, req.Media.ID, p.cfg.CandidatesPerBucket)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		p.logger.WithField("media", req.Media.Slug).Debug("scan found no candidates")
		return nil
	}

	// The SQL cut treats 10-bit variants as their own bucket; SelectTop
	// re-cuts after folding them into the base codec, and Sort decides
	// the enqueue order (and with it the download priority band).
	selected := p.engine.SelectTop(candidates, p.cfg.CandidatesPerBucket)
	p.engine.Sort(selected)

	for i, candidate := range selected {
		h := p.submitDownload(req, candidate, i)
		p.recordDownload(candidate.Bucket(), h)
	}
	p.logger.WithField("media", req.Media.Slug).Infof("scan enqueued %d of %d download candidates", len(selected), len(candidates))
	return nil
}
