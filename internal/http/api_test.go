package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/domain"
	"streamarr/internal/pipeline"
	"streamarr/internal/service"
)

type fakeAcquirer struct {
	mu   sync.Mutex
	reqs []pipeline.Request
}

func (a *fakeAcquirer) Acquire(req pipeline.Request) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.mu.Unlock()
}

type fakeMetadata struct{ err error }

func (f *fakeMetadata) Extended(_ context.Context, mediaType domain.MediaType, slug string) (*service.MediaInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.MediaInfo{ID: 42, Slug: slug, Type: mediaType, Title: "Some Movie", Year: 2019}, nil
}

func testRouter(acquirer *fakeAcquirer, metadata *fakeMetadata) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	NewHandler(nil, acquirer, metadata, logger).RegisterRoutes(router)
	return router
}

func TestRequestAcquisitionQueuesPrefetch(t *testing.T) {
	acquirer := &fakeAcquirer{}
	router := testRouter(acquirer, &fakeMetadata{})

	body := `{"media_type":"movie","slug":"some-movie","quality":1080,"list_index":3}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/acquisitions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	acquirer.mu.Lock()
	defer acquirer.mu.Unlock()
	require.Len(t, acquirer.reqs, 1)
	got := acquirer.reqs[0]
	assert.Equal(t, int64(42), got.Media.ID)
	assert.Equal(t, domain.Quality1080, got.Quality)
	assert.Equal(t, pipeline.UrgencyList, got.Urgency)
	assert.Equal(t, 3, got.ListIndex)
}

func TestRequestAcquisitionRejectsBadBody(t *testing.T) {
	acquirer := &fakeAcquirer{}
	router := testRouter(acquirer, &fakeMetadata{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/acquisitions", strings.NewReader(`{"slug":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	acquirer.mu.Lock()
	defer acquirer.mu.Unlock()
	assert.Empty(t, acquirer.reqs)
}

func TestRequestAcquisitionUnknownMediaIsNotFound(t *testing.T) {
	acquirer := &fakeAcquirer{}
	router := testRouter(acquirer, &fakeMetadata{err: domain.ErrNotFound})

	body := `{"media_type":"movie","slug":"nope","quality":1080}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/acquisitions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	acquirer.mu.Lock()
	defer acquirer.mu.Unlock()
	assert.Empty(t, acquirer.reqs)
}
