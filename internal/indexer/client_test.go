package indexer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/domain"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

const sampleSearch = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
	<channel>
		<item>
			<title>Show.Name.S02E07.1080p.HEVC.x265.WEB-DL</title>
			<link>https://tracker.example/details/1</link>
			<pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate>
			<size>2147483648</size>
			<enclosure url="https://tracker.example/dl/1.torrent" length="2147483648" type="application/x-bittorrent"/>
			<torznab:attr name="seeders" value="42"/>
			<torznab:attr name="peers" value="7"/>
		</item>
		<item>
			<title>Show.Name.S02E07.720p.x264.HDTV</title>
			<link>magnet:?xt=urn:btih:deadbeef</link>
			<torznab:attr name="seeders" value="3"/>
			<torznab:attr name="leechers" value="1"/>
		</item>
	</channel>
</rss>`

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{Name: "test", BaseURL: srv.URL, APIKey: "secret"}, ClientOptions{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
}

func TestSearchParsesResults(t *testing.T) {
	var capsCalls, searchCalls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("t") {
		case "caps":
			capsCalls++
			_, _ = w.Write([]byte(sampleCaps))
		default:
			searchCalls++
			assert.Equal(t, "tvsearch", r.URL.Query().Get("t"))
			assert.Equal(t, "2", r.URL.Query().Get("season"))
			assert.Equal(t, "7", r.URL.Query().Get("ep"))
			_, _ = w.Write([]byte(sampleSearch))
		}
	})

	results, err := c.Search(context.Background(), Query{
		MediaType: domain.MediaTypeShow,
		Text:      "Show Name",
		Season:    2,
		Episode:   7,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, "test", first.Indexer)
	assert.Equal(t, "https://tracker.example/dl/1.torrent", first.URL)
	assert.Equal(t, domain.TorrentURLTypeFile, first.URLType)
	assert.Equal(t, 42, first.Seeders)
	assert.Equal(t, 7, first.Peers)
	assert.Equal(t, int64(2147483648), first.SizeBytes)
	assert.Equal(t, 2006, first.PubDate.Year())

	second := results[1]
	assert.Equal(t, domain.TorrentURLTypeMagnet, second.URLType)
	assert.Equal(t, 1, second.Peers)

	// Second search reuses the cached caps.
	_, err = c.Search(context.Background(), Query{MediaType: domain.MediaTypeShow, Text: "Show Name"})
	require.NoError(t, err)
	assert.Equal(t, 1, capsCalls)
	assert.Equal(t, 2, searchCalls)
}

func TestSearchUnsupportedParamsOmitted(t *testing.T) {
	capsNoSeason := strings.Replace(sampleCaps, `supportedParams="q,season,ep"`, `supportedParams="q"`, 1)
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") == "caps" {
			_, _ = w.Write([]byte(capsNoSeason))
			return
		}
		assert.Empty(t, r.URL.Query().Get("season"))
		assert.Empty(t, r.URL.Query().Get("ep"))
		_, _ = w.Write([]byte(sampleSearch))
	})

	_, err := c.Search(context.Background(), Query{MediaType: domain.MediaTypeShow, Text: "x", Season: 2, Episode: 7})
	require.NoError(t, err)
}

func TestSearchZeroResultsIsNotAnError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") == "caps" {
			_, _ = w.Write([]byte(sampleCaps))
			return
		}
		_, _ = w.Write([]byte(`<rss><channel></channel></rss>`))
	})

	results, err := c.Search(context.Background(), Query{MediaType: domain.MediaTypeMovie, Text: "nothing"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChallengeIsNotRetried(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>prove you are human</html>"))
	})
	c.retryAttempts = 5

	_, err := c.Caps(context.Background())
	require.ErrorIs(t, err, ErrChallenge)
	assert.Equal(t, 1, calls)
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleCaps))
	})
	c.retryAttempts = 5

	caps, err := c.Caps(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.Supports("search"))
	assert.Equal(t, 3, calls)
}

func TestRegistryPriorityOrder(t *testing.T) {
	logger := testLogger()
	r := NewRegistry([]Config{
		{Name: "low", BaseURL: "http://low.example", Priority: 1},
		{Name: "tv-only", BaseURL: "http://tv.example", Priority: 10, MediaTypes: []domain.MediaType{domain.MediaTypeShow}},
		{Name: "high", BaseURL: "http://high.example", Priority: 5},
		{Name: "broken", Priority: 99},
	}, ClientOptions{}, logger)

	shows := r.ForMediaType(domain.MediaTypeShow)
	require.Len(t, shows, 3)
	assert.Equal(t, "tv-only", shows[0].Name())
	assert.Equal(t, "high", shows[1].Name())
	assert.Equal(t, "low", shows[2].Name())

	movies := r.ForMediaType(domain.MediaTypeMovie)
	require.Len(t, movies, 2)
	assert.Equal(t, "high", movies[0].Name())
}
