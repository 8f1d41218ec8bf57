package indexer

import (
	"sort"

	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
)

// Registry holds the configured indexer clients and answers "which
// indexers should serve this category, in what order".
type Registry struct {
	clients []*Client
}

func NewRegistry(configs []Config, opts ClientOptions, logger *logrus.Logger) *Registry {
	r := &Registry{}
	for _, cfg := range configs {
		if cfg.BaseURL == "" {
			logger.Warnf("indexer %s has no base url, skipping", cfg.Name)
			continue
		}
		r.clients = append(r.clients, NewClient(cfg, opts))
	}
	return r
}

// ForMediaType returns the indexers serving the given media type, highest
// priority first.
func (r *Registry) ForMediaType(mt domain.MediaType) []*Client {
	var matched []*Client
	for _, c := range r.clients {
		if c.serves(mt) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].cfg.Priority > matched[j].cfg.Priority
	})
	return matched
}

func (c *Client) serves(mt domain.MediaType) bool {
	if len(c.cfg.MediaTypes) == 0 {
		return true
	}
	for _, have := range c.cfg.MediaTypes {
		if have == mt {
			return true
		}
	}
	return false
}
