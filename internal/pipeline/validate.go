package pipeline

import (
	"path"
	"sort"
	"strings"

	"streamarr/internal/domain"
)

// FileEntry is one file inside a torrent's metadata.
type FileEntry struct {
	Path   string
	Length int64
}

var videoExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".m4v":  {},
	".avi":  {},
	".webm": {},
}

// minMBPerMinute is the minimum plausible bitrate for a real video file
// at each quality, expressed as MB of file per minute of runtime for an
// x264 encode. Files under the threshold are almost always samples,
// screeners or fakes.
var minMBPerMinute = map[domain.Quality]float64{
	domain.Quality480:  3,
	domain.Quality720:  6,
	domain.Quality1080: 10,
	domain.Quality2160: 20,
}

// codecEfficiency scales the x264 baseline down for codecs that reach
// the same visual quality in fewer bytes.
var codecEfficiency = map[domain.Codec]float64{
	domain.CodecX264:      1.0,
	domain.CodecXvid:      1.0,
	domain.CodecUnknown:   1.0,
	domain.CodecX265:      0.55,
	domain.CodecX26510Bit: 0.55,
	domain.CodecAV1:       0.5,
}

const fallbackRuntimeMinutes = 45

// MinSizeBytes returns the smallest believable file size for the given
// quality, codec, and runtime.
func MinSizeBytes(quality domain.Quality, codec domain.Codec, runtimeMinutes int) int64 {
	if runtimeMinutes <= 0 {
		runtimeMinutes = fallbackRuntimeMinutes
	}
	perMinute, ok := minMBPerMinute[quality]
	if !ok {
		perMinute = minMBPerMinute[domain.Quality480]
	}
	factor, ok := codecEfficiency[codec]
	if !ok {
		factor = 1.0
	}
	return int64(perMinute * factor * float64(runtimeMinutes) * 1024 * 1024)
}

// selectVideoFiles filters torrent files to supported containers whose
// size clears the bitrate threshold, largest first.
func selectVideoFiles(files []FileEntry, quality domain.Quality, codec domain.Codec, runtimeMinutes int) []FileEntry {
	minSize := MinSizeBytes(quality, codec, runtimeMinutes)

	var selected []FileEntry
	for _, f := range files {
		ext := strings.ToLower(path.Ext(f.Path))
		if _, ok := videoExtensions[ext]; !ok {
			continue
		}
		if f.Length < minSize {
			continue
		}
		selected = append(selected, f)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Length > selected[j].Length
	})
	return selected
}
