package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/domain"
	"streamarr/internal/indexer"
	"streamarr/internal/ranking"
	"streamarr/internal/repository"
	"streamarr/internal/repository/sqlite"
	"streamarr/internal/service"
)

const testCaps = `<?xml version="1.0" encoding="UTF-8"?>
<caps>
	<searching>
		<search available="yes" supportedParams="q"/>
	</searching>
	<categories>
		<category id="2000" name="Movies"/>
	</categories>
</caps>`

func searchFeed(items string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
	<channel>` + items + `</channel>
</rss>`
}

func feedItem(title, url string, seeders int) string {
	return fmt.Sprintf(`<item>
		<title>%s</title>
		<enclosure url="%s" length="2147483648" type="application/x-bittorrent"/>
		<torznab:attr name="seeders" value="%d"/>
		<torznab:attr name="peers" value="3"/>
	</item>`, title, url, seeders)
}

type fakeFetcher struct {
	files []FileEntry
	err   error
	calls atomic.Int32

	mu   sync.Mutex
	urls []string
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeFetcher) FetchTorrent(ctx context.Context, url string) (*TorrentMetadata, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &TorrentMetadata{Raw: []byte("d4:infoe"), Name: "fake", Files: f.files}, nil
}

func (f *fakeFetcher) ResolveMagnet(ctx context.Context, uri string) (*TorrentMetadata, error) {
	return f.FetchTorrent(ctx, uri)
}

type pipelineEnv struct {
	pipeline *Pipeline
	torrents repository.TorrentRepository
	sources  repository.SourceRepository
	states   repository.SearchStateRepository
	searches *atomic.Int32
}

func newPipelineEnv(t *testing.T, feed string, fetcher MetadataFetcher) *pipelineEnv {
	t.Helper()

	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") == "caps" {
			_, _ = io.WriteString(w, testCaps)
			return
		}
		searches.Add(1)
		_, _ = io.WriteString(w, feed)
	}))
	t.Cleanup(srv.Close)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	torrents := sqlite.NewTorrentRepository(db)
	sources := sqlite.NewSourceRepository(db)
	states := sqlite.NewSearchStateRepository(db)
	require.NoError(t, torrents.Init(ctx))
	require.NoError(t, sources.Init(ctx))
	require.NoError(t, states.Init(ctx))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := indexer.NewRegistry(
		[]indexer.Config{{Name: "test", BaseURL: srv.URL}},
		indexer.ClientOptions{RetryAttempts: 1, RetryDelay: time.Millisecond, Logger: logger},
		logger,
	)

	engine := ranking.NewEngine(ranking.DefaultConfig())
	p := New(
		Config{EnsureTimeout: 30 * time.Second, RetryDelay: time.Millisecond},
		registry,
		engine,
		torrents,
		states,
		service.NewSourceService(sources, torrents, engine),
		fetcher,
		logger,
	)

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	p.Start(runCtx)

	return &pipelineEnv{pipeline: p, torrents: torrents, sources: sources, states: states, searches: &searches}
}

func testMedia() service.MediaInfo {
	return service.MediaInfo{
		ID:             42,
		Slug:           "some-movie",
		Type:           domain.MediaTypeMovie,
		Title:          "Some Movie",
		Year:           2019,
		RuntimeMinutes: 90,
	}
}

func TestEnsureSourceHappyPath(t *testing.T) {
	feed := searchFeed(
		feedItem("Some.Movie.2019.1080p.x265.WEB-DL", "https://tracker.example/a.torrent", 50) +
			feedItem("Entirely.Different.Film.2021.1080p.x264", "https://tracker.example/c.torrent", 99),
	)
	fetcher := &fakeFetcher{files: []FileEntry{{Path: "Some.Movie.2019/movie.mkv", Length: 4 << 30}}}
	env := newPipelineEnv(t, feed, fetcher)

	src, err := env.pipeline.EnsureSource(context.Background(), Request{
		Media:   testMedia(),
		Quality: domain.Quality1080,
		Urgency: UrgencyUser,
	})
	require.NoError(t, err)
	require.NotNil(t, src)

	assert.Equal(t, domain.Quality1080, src.Quality)
	assert.Equal(t, domain.CodecX265, src.Codec)
	assert.Equal(t, []string{"movie.mkv"}, src.Videos)
	assert.Equal(t, int64(4<<30), src.SizeBytes)
	assert.NotZero(t, src.Availability)

	// The origin torrent is processed; the mismatched release is
	// persisted for the audit trail but flagged skip.
	all, err := env.torrents.ListByMedia(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, all, 2)
	var processed, skipped int
	for _, tt := range all {
		if tt.Processed {
			processed++
		}
		if tt.Skip {
			skipped++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, skipped)

	state, err := env.states.Get(context.Background(), domain.Bucket{MediaID: 42, Quality: domain.Quality1080})
	require.NoError(t, err)
	assert.Equal(t, repository.SearchStateSearched, state)
}

func TestEnsureSourceReusesExistingSource(t *testing.T) {
	fetcher := &fakeFetcher{files: []FileEntry{{Path: "movie.mkv", Length: 4 << 30}}}
	env := newPipelineEnv(t, searchFeed(""), fetcher)

	existing := &domain.Source{
		MediaID:   42,
		MediaSlug: "some-movie",
		MediaType: domain.MediaTypeMovie,
		Quality:   domain.Quality1080,
		Codec:     domain.CodecX265,
		Status:    domain.SourceStatusCompleted,
	}
	require.NoError(t, env.sources.Upsert(context.Background(), existing))

	src, err := env.pipeline.EnsureSource(context.Background(), Request{
		Media:   testMedia(),
		Quality: domain.Quality1080,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, src.ID)
	assert.Zero(t, env.searches.Load())
}

func TestEnsureSourceAllCandidatesRejected(t *testing.T) {
	feed := searchFeed(
		feedItem("Some.Movie.2019.1080p.x264.WEB-DL", "https://tracker.example/a.torrent", 50),
	)
	// Only an undersized file, so validation rejects the candidate.
	fetcher := &fakeFetcher{files: []FileEntry{{Path: "sample.mkv", Length: 10 << 20}}}
	env := newPipelineEnv(t, feed, fetcher)

	_, err := env.pipeline.EnsureSource(context.Background(), Request{
		Media:   testMedia(),
		Quality: domain.Quality1080,
		Urgency: UrgencyUser,
	})
	require.ErrorIs(t, err, ErrNoSourceFound)

	all, err := env.torrents.ListByMedia(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Rejected)
}

func TestEnsureSourceNoResultsIsTerminal(t *testing.T) {
	env := newPipelineEnv(t, searchFeed(""), &fakeFetcher{})

	req := Request{Media: testMedia(), Quality: domain.Quality1080}

	_, err := env.pipeline.EnsureSource(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSourceFound)

	state, err := env.states.Get(context.Background(), domain.Bucket{MediaID: 42, Quality: domain.Quality1080})
	require.NoError(t, err)
	assert.Equal(t, repository.SearchStateNoResults, state)

	// A second request short-circuits on the terminal state without
	// touching the indexer again.
	before := env.searches.Load()
	_, err = env.pipeline.EnsureSource(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSourceFound)
	assert.Equal(t, before, env.searches.Load())
}

type emptyTorrentRepo struct{}

func (emptyTorrentRepo) Init(context.Context) error { return nil }
func (emptyTorrentRepo) CreateIfNew(context.Context, *domain.Torrent) (bool, error) {
	return false, nil
}
func (emptyTorrentRepo) Get(context.Context, int64) (*domain.Torrent, error) {
	return nil, domain.ErrNotFound
}
func (emptyTorrentRepo) MarkProcessed(context.Context, int64) error { return nil }
func (emptyTorrentRepo) MarkRejected(context.Context, int64) error  { return nil }
func (emptyTorrentRepo) CountCandidates(context.Context, domain.Bucket) (int, error) {
	return 0, nil
}
func (emptyTorrentRepo) FindUnprocessedTopPerBucket(context.Context, int64, int) ([]domain.Torrent, error) {
	return nil, nil
}
func (emptyTorrentRepo) ListByMedia(context.Context, int64) ([]domain.Torrent, error) {
	return nil, nil
}

type searchedStates struct{}

func (searchedStates) Init(context.Context) error { return nil }
func (searchedStates) Get(context.Context, domain.Bucket) (repository.SearchState, error) {
	return repository.SearchStateSearched, nil
}
func (searchedStates) Set(context.Context, domain.Bucket, repository.SearchState) error {
	return nil
}

// lateSourceService reports no accepted source on the first lookup and
// an accepted one on every lookup after that, like a concurrent request
// for the same bucket winning the race.
type lateSourceService struct {
	src   *domain.Source
	calls atomic.Int32
}

func (s *lateSourceService) FindAccepted(context.Context, int64, domain.Quality, domain.Codec) (*domain.Source, error) {
	if s.calls.Add(1) == 1 {
		return nil, domain.ErrNotFound
	}
	return s.src, nil
}
func (s *lateSourceService) Get(context.Context, int64) (*domain.Source, error) {
	return s.src, nil
}
func (s *lateSourceService) Accept(context.Context, *domain.Source) error { return nil }
func (s *lateSourceService) Reject(context.Context, int64) error          { return nil }
func (s *lateSourceService) UpdateDownloadState(context.Context, int64, domain.SourceStatus, float64, []byte, string) error {
	return nil
}
func (s *lateSourceService) Touch(context.Context, int64) error        { return nil }
func (s *lateSourceService) ClearStorage(context.Context, int64) error { return nil }

// A request can arrive after a sibling for the same bucket has already
// processed every candidate and accepted a source: its own scan then
// finds nothing to download, but a source exists.
func TestEnsureSourceSeesConcurrentlyAcceptedSource(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := indexer.NewRegistry(nil,
		indexer.ClientOptions{RetryAttempts: 1, RetryDelay: time.Millisecond, Logger: logger}, logger)
	svc := &lateSourceService{src: &domain.Source{ID: 7, MediaID: 42, Quality: domain.Quality1080}}

	p := New(
		Config{EnsureTimeout: 10 * time.Second},
		registry,
		ranking.NewEngine(ranking.DefaultConfig()),
		emptyTorrentRepo{},
		searchedStates{},
		svc,
		&fakeFetcher{},
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)

	src, err := p.EnsureSource(context.Background(), Request{
		Media:   testMedia(),
		Quality: domain.Quality1080,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), src.ID)
	assert.GreaterOrEqual(t, svc.calls.Load(), int32(2))
}

func TestScanFoldsTenBitVariantsIntoOneBucket(t *testing.T) {
	fetcher := &fakeFetcher{files: []FileEntry{{Path: "Some.Movie.2019/movie.mkv", Length: 4 << 30}}}
	env := newPipelineEnv(t, searchFeed(""), fetcher)
	ctx := context.Background()

	// The SQL ranking query sees x265 and x265-10bit as separate buckets
	// and would hand back all three.
	for _, c := range []struct {
		codec   domain.Codec
		seeders int
		url     string
	}{
		{domain.CodecX265, 80, "https://tracker.example/plain.torrent"},
		{domain.CodecX26510Bit, 40, "https://tracker.example/tenbit.torrent"},
		{domain.CodecX26510Bit, 2, "https://tracker.example/straggler.torrent"},
	} {
		created, err := env.torrents.CreateIfNew(ctx, &domain.Torrent{
			URLHash:   xxhash.Sum64String(c.url),
			MediaID:   42,
			MediaType: domain.MediaTypeMovie,
			Title:     "Some Movie",
			Quality:   domain.Quality1080,
			Codec:     c.codec,
			Seeders:   c.seeders,
			Peers:     1,
			SizeBytes: 2 << 30,
			URL:       c.url,
			URLType:   domain.TorrentURLTypeFile,
			Indexer:   "test",
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	req := Request{Media: testMedia(), Quality: domain.Quality1080, Urgency: UrgencyUser}
	require.NoError(t, env.pipeline.runScan(ctx, req))
	for _, h := range env.pipeline.takeDownloads(req) {
		require.NoError(t, h.Wait(ctx))
	}

	// With the 10-bit variant folded into x265 the bucket holds three
	// candidates and only the two most available are fetched.
	fetched := fetcher.fetched()
	assert.Len(t, fetched, 2)
	assert.Contains(t, fetched, "https://tracker.example/plain.torrent")
	assert.Contains(t, fetched, "https://tracker.example/tenbit.torrent")
}
