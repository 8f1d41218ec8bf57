package stream

import (
	"fmt"
	"strconv"
	"strings"

	"streamarr/internal/domain"
)

// Key identifies one playback session of one media+quality combination.
// Its string form travels through URLs, so it uses ':' separators and
// assumes slugs never contain one.
type Key struct {
	MediaType domain.MediaType
	Slug      string
	Quality   domain.Quality
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.MediaType, k.Slug, int(k.Quality))
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed stream key %q", s)
	}
	quality, err := strconv.Atoi(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("malformed stream key %q: %w", s, err)
	}
	return Key{
		MediaType: domain.MediaType(parts[0]),
		Slug:      parts[1],
		Quality:   domain.Quality(quality),
	}, nil
}
