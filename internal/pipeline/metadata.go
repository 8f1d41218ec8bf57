package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/avast/retry-go"
	"github.com/zeebo/bencode"
)

// 16 MiB ceiling on fetched torrent blobs.
const maxTorrentBytes = 16 << 20

// TorrentMetadata is the decoded outcome of resolving a candidate's URL.
type TorrentMetadata struct {
	Raw   []byte
	Name  string
	Files []FileEntry
}

// MetadataFetcher turns a candidate's torrent or magnet URL into decoded
// metadata.
type MetadataFetcher interface {
	FetchTorrent(ctx context.Context, url string) (*TorrentMetadata, error)
	ResolveMagnet(ctx context.Context, uri string) (*TorrentMetadata, error)
}

type metadataFetcher struct {
	httpClient    *http.Client
	torrentClient *torrent.Client
	retryAttempts uint
	retryDelay    time.Duration
	magnetTimeout time.Duration
}

func NewMetadataFetcher(torrentClient *torrent.Client, retryAttempts uint, retryDelay time.Duration) MetadataFetcher {
	if retryAttempts == 0 {
		retryAttempts = 3
	}
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}
	return &metadataFetcher{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		torrentClient: torrentClient,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		magnetTimeout: 2 * time.Minute,
	}
}

func (f *metadataFetcher) FetchTorrent(ctx context.Context, url string) (*TorrentMetadata, error) {
	var raw []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := f.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("fetch torrent: status %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("fetch torrent: status %d", resp.StatusCode))
			}
			raw, err = io.ReadAll(io.LimitReader(resp.Body, maxTorrentBytes))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.retryAttempts),
		retry.Delay(f.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return decodeTorrent(raw)
}

type bencodeInfo struct {
	Name   string        `bencode:"name"`
	Length int64         `bencode:"length"`
	Files  []bencodeFile `bencode:"files"`
}

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeMeta struct {
	Info bencodeInfo `bencode:"info"`
}

// decodeTorrent enumerates a torrent's files without joining the swarm.
func decodeTorrent(raw []byte) (*TorrentMetadata, error) {
	var meta bencodeMeta
	if err := bencode.DecodeBytes(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode torrent metadata: %w", err)
	}
	if meta.Info.Name == "" {
		return nil, fmt.Errorf("torrent metadata has no info dictionary")
	}

	md := &TorrentMetadata{Raw: raw, Name: meta.Info.Name}
	if len(meta.Info.Files) == 0 {
		md.Files = []FileEntry{{Path: meta.Info.Name, Length: meta.Info.Length}}
		return md, nil
	}
	for _, file := range meta.Info.Files {
		md.Files = append(md.Files, FileEntry{
			Path:   path.Join(append([]string{meta.Info.Name}, file.Path...)...),
			Length: file.Length,
		})
	}
	return md, nil
}

// ResolveMagnet joins the swarm just long enough to obtain the info
// dictionary, then drops the torrent again.
func (f *metadataFetcher) ResolveMagnet(ctx context.Context, uri string) (*TorrentMetadata, error) {
	t, err := f.torrentClient.AddMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	defer t.Drop()

	ctx, cancel := context.WithTimeout(ctx, f.magnetTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve magnet: %w", ctx.Err())
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		return nil, fmt.Errorf("magnet resolved without info")
	}

	mi := t.Metainfo()
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode metainfo: %w", err)
	}

	md := &TorrentMetadata{Raw: buf.Bytes(), Name: info.BestName()}
	for _, file := range t.Files() {
		md.Files = append(md.Files, FileEntry{
			Path:   file.DisplayPath(),
			Length: file.Length(),
		})
	}
	return md, nil
}
