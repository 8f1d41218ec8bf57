// Package stream turns accepted sources into HTTP-servable playback
// sessions with piece-granular progress reporting.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"streamarr/internal/domain"
	"streamarr/internal/pipeline"
	"streamarr/internal/service"
)

// ErrUnavailable means no playable source exists for the requested key
// and acquisition could not produce one.
var ErrUnavailable = errors.New("stream unavailable")

const (
	bitfieldCacheSize = 64
	bitfieldCacheTTL  = 30 * time.Minute
)

// SourceProvider drives source acquisition when a stream request finds
// no accepted source. Satisfied by pipeline.Pipeline.
type SourceProvider interface {
	EnsureSource(ctx context.Context, req pipeline.Request) (*domain.Source, error)
}

// Evictor is kicked after progress lands so quota enforcement reacts to
// growth promptly.
type Evictor interface {
	Kick()
}

type Config struct {
	DataDir string
	// StopThresholdPercent is the progress below which a stop destroys
	// the download instead of pausing it.
	StopThresholdPercent float64
	PersistInterval      time.Duration
	// CodecPreference narrows source lookup and acquisition when set.
	CodecPreference domain.Codec
}

func (c *Config) applyDefaults() {
	if c.StopThresholdPercent == 0 {
		c.StopThresholdPercent = 5
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = 5 * time.Second
	}
}

// Info is the client-facing snapshot of a session.
type Info struct {
	Key        string
	Bitfield   []byte
	PieceCount int
	Progress   float64
	Complete   bool
}

// Handle is what a stream request returns: where to point the player.
type Handle struct {
	Key string
	URL string
}

// Manager owns the session map and the torrent handles behind it. No
// other component touches a live download.
type Manager struct {
	cfg      Config
	opener   handleOpener
	metadata service.MetadataProvider
	sources  service.SourceService
	provider SourceProvider
	evictor  Evictor
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[Key]*session

	// bitfields keeps recently stopped sessions' completion around so a
	// quick resume does not re-verify from scratch.
	bitfields *lru.LRU[string, []byte]

	ctx context.Context
}

func NewManager(cfg Config, client *torrent.Client, metadata service.MetadataProvider, sources service.SourceService, provider SourceProvider, evictor Evictor, logger *logrus.Logger) *Manager {
	return newManager(cfg, &clientOpener{client: client, dataDir: cfg.DataDir}, metadata, sources, provider, evictor, logger)
}

func newManager(cfg Config, opener handleOpener, metadata service.MetadataProvider, sources service.SourceService, provider SourceProvider, evictor Evictor, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:       cfg,
		opener:    opener,
		metadata:  metadata,
		sources:   sources,
		provider:  provider,
		evictor:   evictor,
		logger:    logger,
		sessions:  make(map[Key]*session),
		bitfields: lru.NewLRU[string, []byte](bitfieldCacheSize, nil, bitfieldCacheTTL),
		ctx:       context.Background(),
	}
}

// Start pins the lifecycle context used by per-session background work.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
}

// Shutdown persists and drops every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.pauseSession(context.Background(), s)
	}
	m.logger.Info("stream manager stopped")
}

// GetStream returns a playable handle for the key, reusing a live
// session when one exists and otherwise acquiring a source, which may
// block on the full search/download pipeline.
func (m *Manager) GetStream(ctx context.Context, mediaType domain.MediaType, slug string, quality domain.Quality) (Handle, error) {
	key := Key{MediaType: mediaType, Slug: slug, Quality: quality}
	return m.getStream(ctx, key)
}

func (m *Manager) getStream(ctx context.Context, key Key) (Handle, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		sess.handle.Download()
		return m.handleFor(key), nil
	}
	m.mu.Unlock()

	source, err := m.acquireSource(ctx, key)
	if err != nil {
		return Handle{}, err
	}

	if _, err := m.openSession(ctx, key, source); err != nil {
		return Handle{}, err
	}
	return m.handleFor(key), nil
}

func (m *Manager) handleFor(key Key) Handle {
	k := key.String()
	return Handle{Key: k, URL: fmt.Sprintf("/api/streams/%s/video", k)}
}

func (m *Manager) acquireSource(ctx context.Context, key Key) (*domain.Source, error) {
	media, err := m.metadata.Extended(ctx, key.MediaType, key.Slug)
	if err != nil {
		return nil, fmt.Errorf("resolve media %s: %w", key.Slug, err)
	}

	source, err := m.sources.FindAccepted(ctx, media.ID, key.Quality, m.cfg.CodecPreference)
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	source, err = m.provider.EnsureSource(ctx, pipeline.Request{
		Media:   *media,
		Quality: key.Quality,
		Codec:   m.cfg.CodecPreference,
		Urgency: pipeline.UrgencyUser,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrNoSourceFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrUnavailable)
		}
		return nil, err
	}
	return source, nil
}

func (m *Manager) openSession(ctx context.Context, key Key, source *domain.Source) (*session, error) {
	handle, err := m.opener.Open(ctx, source)
	if err != nil {
		return nil, err
	}

	sess := newSession(key, source, handle)

	// If completion state got lost but bytes exist on disk, re-hash
	// instead of re-downloading. The cached bitfield from a recent stop
	// means the client state is fresh and hashing can be skipped.
	if _, cached := m.bitfields.Get(key.String()); !cached &&
		source.DownloadedPath != "" && len(source.DownloadedBitfield) > 0 && !sess.complete() {
		handle.Verify()
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		// Lost the race to another request; keep theirs.
		m.mu.Unlock()
		handle.Drop()
		return existing, nil
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	handle.Download()
	go sess.run()
	go m.persistLoop(sess)

	m.logger.WithFields(logrus.Fields{
		"key":     key.String(),
		"session": uuid.NewString(),
		"source":  source.ID,
		"video":   handle.VideoName(),
	}).Info("stream session opened")
	return sess, nil
}

// persistLoop flushes the session's download state on a ticker while it
// is live, and kicks the evictor so quota checks track real growth.
func (m *Manager) persistLoop(sess *session) {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-sess.done:
			m.persistState(context.Background(), sess)
			return
		case <-ticker.C:
			m.persistState(m.ctx, sess)
			if m.evictor != nil {
				m.evictor.Kick()
			}
		}
	}
}

func (m *Manager) persistState(ctx context.Context, sess *session) {
	status := domain.SourceStatusDownloading
	if sess.complete() {
		status = domain.SourceStatusCompleted
	}
	err := m.sources.UpdateDownloadState(ctx, sess.source.ID, status, sess.progress(), sess.bitfield(), sess.handle.DataPath())
	if err != nil {
		m.logger.WithField("key", sess.key.String()).Warnf("persist download state: %v", err)
	}
}

// SubscribeProgress yields verified piece indices within the session's
// range; the channel closes once the range is complete. The channel is
// buffered and events are dropped rather than block the session when a
// consumer falls behind; a consumer that missed events reconciles
// through StreamInfo's bitfield. cancel must be called when the
// consumer disconnects.
func (m *Manager) SubscribeProgress(key string) (<-chan int, func(), error) {
	sess, err := m.session(key)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.subscribe()
	return ch, cancel, nil
}

// StreamInfo returns the compact completion bitfield for a live session.
func (m *Manager) StreamInfo(key string) (Info, error) {
	sess, err := m.session(key)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Key:        key,
		Bitfield:   sess.bitfield(),
		PieceCount: sess.end - sess.begin,
		Progress:   sess.progress(),
		Complete:   sess.complete(),
	}, nil
}

// Stop ends a session. Below the progress threshold, or when forced,
// the download and its bytes are destroyed; otherwise it is paused and
// the bytes kept for a cheap resume. Stopping an unknown key is a no-op.
func (m *Manager) Stop(ctx context.Context, key string, force bool) error {
	k, err := ParseKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[k]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if force || sess.progress() < m.cfg.StopThresholdPercent {
		return m.destroySession(ctx, sess)
	}
	m.pauseSession(ctx, sess)
	return nil
}

// SetBroken rejects the session's source, destroys its data, and
// re-enters acquisition once for an alternative. Returns ErrUnavailable
// when no alternative source exists.
func (m *Manager) SetBroken(ctx context.Context, key string) (Handle, error) {
	k, err := ParseKey(key)
	if err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	sess, ok := m.sessions[k]
	m.mu.Unlock()

	var sourceID int64
	if ok {
		sourceID = sess.source.ID
		if err := m.destroySession(ctx, sess); err != nil {
			m.logger.WithField("key", key).Warnf("destroy broken session: %v", err)
		}
	} else {
		media, err := m.metadata.Extended(ctx, k.MediaType, k.Slug)
		if err != nil {
			return Handle{}, fmt.Errorf("resolve media %s: %w", k.Slug, err)
		}
		source, err := m.sources.FindAccepted(ctx, media.ID, k.Quality, m.cfg.CodecPreference)
		if errors.Is(err, domain.ErrNotFound) {
			return Handle{}, fmt.Errorf("%s: %w", key, ErrUnavailable)
		}
		if err != nil {
			return Handle{}, err
		}
		sourceID = source.ID
	}

	if err := m.sources.Reject(ctx, sourceID); err != nil {
		return Handle{}, fmt.Errorf("reject source %d: %w", sourceID, err)
	}
	m.bitfields.Remove(key)
	m.logger.WithFields(logrus.Fields{"key": key, "source": sourceID}).Warn("source marked broken, reacquiring")

	return m.getStream(ctx, k)
}

// ServeVideo serves the session's video file with range support,
// reading straight from the torrent so playback can start before the
// download completes.
func (m *Manager) ServeVideo(w http.ResponseWriter, r *http.Request, key string) error {
	sess, err := m.session(key)
	if err != nil {
		return err
	}

	if err := m.sources.Touch(r.Context(), sess.source.ID); err != nil {
		m.logger.WithField("key", key).Warnf("touch source: %v", err)
	}

	reader := sess.handle.Reader()
	defer reader.Close()
	http.ServeContent(w, r, sess.handle.VideoName(), time.Time{}, reader)
	return nil
}

// SourceActive reports whether a live session is using the source.
// Implements storage.SessionController.
func (m *Manager) SourceActive(sourceID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.source.ID == sourceID {
			return true
		}
	}
	return false
}

// TeardownSource destroys the session holding the source, releasing its
// handle and deleting its data. Implements storage.SessionController.
func (m *Manager) TeardownSource(ctx context.Context, sourceID int64) error {
	m.mu.Lock()
	var sess *session
	for _, s := range m.sessions {
		if s.source.ID == sourceID {
			sess = s
			break
		}
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return m.destroySession(ctx, sess)
}

func (m *Manager) session(key string) (*session, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[k]
	if !ok {
		return nil, fmt.Errorf("no session for %s: %w", key, ErrUnavailable)
	}
	return sess, nil
}

func (m *Manager) remove(sess *session) {
	m.mu.Lock()
	if m.sessions[sess.key] == sess {
		delete(m.sessions, sess.key)
	}
	m.mu.Unlock()
}

// pauseSession keeps the bytes but releases the torrent handle. The
// completion bitfield is persisted and cached so a resume skips
// re-verification.
func (m *Manager) pauseSession(ctx context.Context, sess *session) {
	m.remove(sess)
	sess.handle.Pause()
	m.persistState(ctx, sess)
	m.bitfields.Add(sess.key.String(), sess.bitfield())
	sess.handle.Drop()
	m.logger.WithField("key", sess.key.String()).Info("stream session paused")
}

// destroySession releases the handle, deletes the downloaded bytes, and
// clears the source's storage fields.
func (m *Manager) destroySession(ctx context.Context, sess *session) error {
	m.remove(sess)
	dataPath := sess.handle.DataPath()
	sess.handle.Drop()
	m.bitfields.Remove(sess.key.String())

	if dataPath != "" {
		if err := os.RemoveAll(dataPath); err != nil {
			m.logger.WithField("key", sess.key.String()).Warnf("remove data: %v", err)
		}
	}
	if err := m.sources.ClearStorage(ctx, sess.source.ID); err != nil {
		return fmt.Errorf("clear storage for source %d: %w", sess.source.ID, err)
	}
	m.logger.WithField("key", sess.key.String()).Info("stream session destroyed")
	return nil
}
