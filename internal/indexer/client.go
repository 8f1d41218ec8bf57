// Package indexer queries torznab-style trackers for torrent candidates.
package indexer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
)

// ErrChallenge marks an indexer answering with an interstitial or auth
// challenge instead of XML. A credential/config problem, never retried.
var ErrChallenge = errors.New("indexer returned a challenge page")

// Config describes one configured indexer.
type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	Priority   int
	MediaTypes []domain.MediaType
	Categories []int
}

// Query is a capability-aware search request.
type Query struct {
	MediaType domain.MediaType
	Text      string
	Season    int
	Episode   int
	IMDbID    string
}

// Result is a single normalized search result.
type Result struct {
	Indexer     string
	Title       string
	Description string
	URL         string
	URLType     domain.TorrentURLType
	SizeBytes   int64
	Seeders     int
	Peers       int
	PubDate     time.Time
}

const (
	capsCacheTTL  = 15 * time.Minute
	capsCacheSize = 64
)

// Client executes caps discovery and searches against one indexer.
// Caps responses are cached with a short TTL; they are expensive to
// fetch and change rarely.
type Client struct {
	cfg           Config
	httpClient    *http.Client
	capsCache     *lru.LRU[string, *Caps]
	retryAttempts uint
	retryDelay    time.Duration
	logger        *logrus.Logger
}

type ClientOptions struct {
	Timeout       time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	Logger        *logrus.Logger
}

func NewClient(cfg Config, opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		capsCache:     lru.NewLRU[string, *Caps](capsCacheSize, nil, capsCacheTTL),
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		logger:        opts.Logger,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

// Caps fetches (or serves from cache) the indexer's advertised
// capabilities.
func (c *Client) Caps(ctx context.Context) (*Caps, error) {
	if caps, ok := c.capsCache.Get(c.cfg.BaseURL); ok {
		return caps, nil
	}

	body, err := c.get(ctx, url.Values{"t": {"caps"}, "apikey": {c.cfg.APIKey}})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	caps, err := parseCaps(body)
	if err != nil {
		return nil, fmt.Errorf("indexer %s: %w", c.cfg.Name, err)
	}
	c.capsCache.Add(c.cfg.BaseURL, caps)
	return caps, nil
}

// Search runs one capability-aware query. The search mode and request
// parameters are limited to what the indexer advertises; an empty result
// list is not an error.
func (c *Client) Search(ctx context.Context, q Query) ([]Result, error) {
	caps, err := c.Caps(ctx)
	if err != nil {
		return nil, err
	}

	mode := "search"
	if q.MediaType != domain.MediaTypeMovie && caps.Supports("tv-search") {
		mode = "tv-search"
	}

	params := url.Values{
		"apikey": {c.cfg.APIKey},
		"q":      {q.Text},
	}
	switch mode {
	case "tv-search":
		params.Set("t", "tvsearch")
		if q.Season > 0 && caps.SupportsParam(mode, "season") {
			params.Set("season", strconv.Itoa(q.Season))
		}
		if q.Episode > 0 && caps.SupportsParam(mode, "ep") {
			params.Set("ep", strconv.Itoa(q.Episode))
		}
	default:
		params.Set("t", "search")
	}
	if q.IMDbID != "" && caps.SupportsParam(mode, "imdbid") {
		params.Set("imdbid", q.IMDbID)
	}
	if len(c.cfg.Categories) > 0 {
		cats := make([]string, len(c.cfg.Categories))
		for i, id := range c.cfg.Categories {
			cats[i] = strconv.Itoa(id)
		}
		params.Set("cat", strings.Join(cats, ","))
	}

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	results, err := parseSearchResults(body)
	if err != nil {
		return nil, fmt.Errorf("indexer %s: %w", c.cfg.Name, err)
	}
	for i := range results {
		results[i].Indexer = c.cfg.Name
	}
	c.logger.WithField("indexer", c.cfg.Name).Debugf("search %q returned %d items", q.Text, len(results))
	return results, nil
}

// get performs the HTTP round trip with bounded fixed-delay retry for
// transient failures. Challenge responses abort immediately.
func (c *Client) get(ctx context.Context, params url.Values) (io.ReadCloser, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api?" + params.Encode()

	var body io.ReadCloser
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return fmt.Errorf("indexer %s: %w", c.cfg.Name, ErrChallenge)
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return fmt.Errorf("indexer %s: status %d", c.cfg.Name, resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				resp.Body.Close()
				return retry.Unrecoverable(fmt.Errorf("indexer %s: status %d", c.cfg.Name, resp.StatusCode))
			}
			if looksLikeHTML(resp.Header.Get("Content-Type")) {
				resp.Body.Close()
				return fmt.Errorf("indexer %s: %w", c.cfg.Name, ErrChallenge)
			}
			body = resp.Body
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrChallenge)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func looksLikeHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

type rssResponse struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
	Size        int64  `xml:"size"`
	Enclosure   struct {
		URL    string `xml:"url,attr"`
		Length int64  `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

func parseSearchResults(r io.Reader) ([]Result, error) {
	var resp rssResponse
	if err := xml.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(resp.Channel.Items))
	for _, item := range resp.Channel.Items {
		res := Result{
			Title:       item.Title,
			Description: item.Description,
			URL:         item.Enclosure.URL,
			SizeBytes:   item.Size,
		}
		if res.URL == "" {
			res.URL = item.Link
		}
		if res.SizeBytes == 0 {
			res.SizeBytes = item.Enclosure.Length
		}
		res.URLType = domain.TorrentURLTypeFile
		if strings.HasPrefix(res.URL, "magnet:") {
			res.URLType = domain.TorrentURLTypeMagnet
		}
		for _, attr := range item.Attrs {
			switch strings.ToLower(attr.Name) {
			case "seeders":
				res.Seeders, _ = strconv.Atoi(attr.Value)
			case "peers", "leechers":
				res.Peers, _ = strconv.Atoi(attr.Value)
			case "magneturl":
				if res.URL == "" && attr.Value != "" {
					res.URL = attr.Value
					res.URLType = domain.TorrentURLTypeMagnet
				}
			}
		}
		if t, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
			res.PubDate = t
		}
		if res.URL == "" {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
