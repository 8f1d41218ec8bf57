package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamarr/internal/domain"
)

// fakeSourceRepo keeps sources in memory, ordered least recently used
// first like the sqlite implementation.
type fakeSourceRepo struct {
	sources []domain.Source
	cleared []int64
}

func (f *fakeSourceRepo) Init(context.Context) error                   { return nil }
func (f *fakeSourceRepo) Upsert(context.Context, *domain.Source) error { return nil }
func (f *fakeSourceRepo) Get(context.Context, int64) (*domain.Source, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeSourceRepo) FindAccepted(context.Context, int64, domain.Quality, domain.Codec) (*domain.Source, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeSourceRepo) ListAccepted(context.Context, int64, domain.Quality) ([]domain.Source, error) {
	return nil, nil
}
func (f *fakeSourceRepo) UpdateDownloadState(context.Context, int64, domain.SourceStatus, float64, []byte, string) error {
	return nil
}
func (f *fakeSourceRepo) Touch(context.Context, int64, time.Time) error { return nil }
func (f *fakeSourceRepo) MarkRejected(context.Context, int64) error     { return nil }

func (f *fakeSourceRepo) ClearStorage(_ context.Context, id int64) error {
	f.cleared = append(f.cleared, id)
	for i := range f.sources {
		if f.sources[i].ID == id {
			f.sources[i].SizeBytes = 0
			f.sources[i].DownloadedPath = ""
		}
	}
	return nil
}

func (f *fakeSourceRepo) ListOccupying(context.Context) ([]domain.Source, error) {
	var out []domain.Source
	for _, s := range f.sources {
		if s.Occupying() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSourceRepo) TotalBytes(context.Context) (int64, error) {
	var total int64
	for _, s := range f.sources {
		if s.Occupying() {
			total += s.SizeBytes
		}
	}
	return total, nil
}

type fakeSessions struct {
	active   map[int64]bool
	tornDown []int64
}

func (f *fakeSessions) SourceActive(id int64) bool { return f.active[id] }
func (f *fakeSessions) TeardownSource(_ context.Context, id int64) error {
	f.tornDown = append(f.tornDown, id)
	return nil
}

func testManager(repo *fakeSourceRepo, quota int64) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(Config{QuotaBytes: quota}, repo, logger)
}

func occupyingSource(id, size int64) domain.Source {
	return domain.Source{ID: id, SizeBytes: size, DownloadedPath: "/data/" + string(rune('a'+id))}
}

func TestEvictUnderQuotaIsNoop(t *testing.T) {
	repo := &fakeSourceRepo{sources: []domain.Source{occupyingSource(1, 100), occupyingSource(2, 100)}}
	m := testManager(repo, 500)

	require.NoError(t, m.Evict(context.Background()))
	assert.Empty(t, repo.cleared)
}

func TestEvictReclaimsLeastRecentlyUsedFirst(t *testing.T) {
	// Repo order is LRU ascending; only enough sources to fit the
	// quota again are cleared.
	repo := &fakeSourceRepo{sources: []domain.Source{
		occupyingSource(1, 100),
		occupyingSource(2, 100),
		occupyingSource(3, 100),
	}}
	m := testManager(repo, 150)

	require.NoError(t, m.Evict(context.Background()))
	assert.Equal(t, []int64{1, 2}, repo.cleared)

	total, err := repo.TotalBytes(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(150))
}

func TestEvictSparesActiveSessionsWhenIdleSuffices(t *testing.T) {
	repo := &fakeSourceRepo{sources: []domain.Source{
		occupyingSource(1, 100),
		occupyingSource(2, 100),
	}}
	sessions := &fakeSessions{active: map[int64]bool{1: true}}
	m := testManager(repo, 150)
	m.BindSessions(sessions)

	require.NoError(t, m.Evict(context.Background()))

	// Source 1 is live and the idle source 2 freed enough, so 1
	// survives even though it is older.
	assert.Equal(t, []int64{2}, repo.cleared)
	assert.Empty(t, sessions.tornDown)
}

func TestEvictTearsDownActiveSessionsAsLastResort(t *testing.T) {
	repo := &fakeSourceRepo{sources: []domain.Source{
		occupyingSource(1, 100),
		occupyingSource(2, 100),
	}}
	sessions := &fakeSessions{active: map[int64]bool{1: true, 2: true}}
	m := testManager(repo, 150)
	m.BindSessions(sessions)

	require.NoError(t, m.Evict(context.Background()))

	assert.Equal(t, []int64{1}, sessions.tornDown)
	assert.Equal(t, []int64{1}, repo.cleared)
}

func TestKickCoalesces(t *testing.T) {
	m := testManager(&fakeSourceRepo{}, 1)
	m.Kick()
	m.Kick()
	m.Kick()

	assert.Len(t, m.kick, 1)
}
