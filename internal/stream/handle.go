package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"streamarr/internal/domain"
)

// torrentHandle is the slice of a live torrent a session needs: the
// selected video file's piece range, completion state, and bytes.
type torrentHandle interface {
	VideoName() string
	// PieceRange returns the pieces covered by the video file, end
	// exclusive.
	PieceRange() (begin, end int)
	PieceComplete(index int) bool
	// Events yields verified piece indices. The channel closes when the
	// handle is dropped.
	Events() <-chan int
	Reader() io.ReadSeekCloser
	Download()
	Pause()
	Verify()
	DataPath() string
	Drop()
}

type handleOpener interface {
	Open(ctx context.Context, source *domain.Source) (torrentHandle, error)
}

// clientOpener opens sessions on a shared anacrolix client from a
// source's stored metainfo bytes.
type clientOpener struct {
	client  *torrent.Client
	dataDir string
}

func (o *clientOpener) Open(ctx context.Context, source *domain.Source) (torrentHandle, error) {
	mi, err := metainfo.Load(bytes.NewReader(source.TorrentMetadata))
	if err != nil {
		return nil, fmt.Errorf("load metainfo for source %d: %w", source.ID, err)
	}

	t, err := o.client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("add torrent for source %d: %w", source.ID, err)
	}

	select {
	case <-ctx.Done():
		t.Drop()
		return nil, ctx.Err()
	case <-t.GotInfo():
	}

	file := selectFile(t, source.Videos)
	if file == nil {
		t.Drop()
		return nil, fmt.Errorf("source %d: none of %v found in torrent", source.ID, source.Videos)
	}

	h := &anacrolixHandle{
		t:       t,
		file:    file,
		dataDir: o.dataDir,
		events:  make(chan int, 64),
	}
	go h.pump()
	return h, nil
}

// selectFile matches the validated video names recorded on the source
// against the torrent's files, largest accepted name first.
func selectFile(t *torrent.Torrent, videos []string) *torrent.File {
	wanted := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		wanted[v] = struct{}{}
	}

	var best *torrent.File
	for _, f := range t.Files() {
		if _, ok := wanted[path.Base(f.DisplayPath())]; !ok {
			continue
		}
		if best == nil || f.Length() > best.Length() {
			best = f
		}
	}
	return best
}

type anacrolixHandle struct {
	t       *torrent.Torrent
	file    *torrent.File
	dataDir string
	events  chan int
}

// pump relays piece completions from the client's subscription to the
// session. It exits, closing events, when the torrent is dropped.
func (h *anacrolixHandle) pump() {
	defer close(h.events)
	sub := h.t.SubscribePieceStateChanges()
	defer sub.Close()

	for {
		select {
		case <-h.t.Closed():
			return
		case change, ok := <-sub.Values:
			if !ok {
				return
			}
			if change.Complete {
				// The send must stay preemptible: if the consumer is gone
				// and the buffer fills, only the drop can release pump.
				select {
				case h.events <- change.Index:
				case <-h.t.Closed():
					return
				}
			}
		}
	}
}

func (h *anacrolixHandle) VideoName() string { return path.Base(h.file.DisplayPath()) }

func (h *anacrolixHandle) PieceRange() (int, int) {
	return h.file.BeginPieceIndex(), h.file.EndPieceIndex()
}

func (h *anacrolixHandle) PieceComplete(index int) bool {
	return h.t.PieceState(index).Complete
}

func (h *anacrolixHandle) Events() <-chan int { return h.events }

func (h *anacrolixHandle) Reader() io.ReadSeekCloser {
	r := h.file.NewReader()
	r.SetResponsive()
	return r
}

func (h *anacrolixHandle) Download() {
	h.t.AllowDataDownload()
	h.file.Download()
}

func (h *anacrolixHandle) Pause() {
	h.file.SetPriority(torrent.PiecePriorityNone)
	h.t.DisallowDataDownload()
}

func (h *anacrolixHandle) Verify() {
	go h.t.VerifyData()
}

func (h *anacrolixHandle) DataPath() string {
	return filepath.Join(h.dataDir, h.t.Info().BestName())
}

func (h *anacrolixHandle) Drop() { h.t.Drop() }
