package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamarr/internal/domain"
)

// MediaInfo is the extended metadata record for one catalog item.
type MediaInfo struct {
	ID             int64            `json:"id"`
	Slug           string           `json:"slug"`
	Type           domain.MediaType `json:"type"`
	Title          string           `json:"title"`
	Year           int              `json:"year"`
	RuntimeMinutes int              `json:"runtime"`
	IMDbID         string           `json:"imdb_id"`
	Season         int              `json:"season,omitempty"`
	Episode        int              `json:"episode,omitempty"`
}

// MetadataProvider resolves a human slug to media identity and runtime.
// The catalog itself lives in an external collaborator service.
type MetadataProvider interface {
	Extended(ctx context.Context, mediaType domain.MediaType, slug string) (*MediaInfo, error)
}

type httpMetadataProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPMetadataProvider(baseURL string, timeout time.Duration) MetadataProvider {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &httpMetadataProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *httpMetadataProvider) Extended(ctx context.Context, mediaType domain.MediaType, slug string) (*MediaInfo, error) {
	endpoint := fmt.Sprintf("%s/media/%s/%s/extended", p.baseURL, mediaType, url.PathEscape(slug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("media %s/%s: %w", mediaType, slug, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata provider returned %d for %s", resp.StatusCode, slug)
	}

	var info MediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", slug, err)
	}
	return &info, nil
}
