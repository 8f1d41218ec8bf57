package domain

import "errors"

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeShow  MediaType = "show"
	MediaTypeAnime MediaType = "anime"
)

// Quality is the vertical resolution of a release. Stored unranked; the
// ranking package owns the ordering.
type Quality int

const (
	Quality480  Quality = 480
	Quality720  Quality = 720
	Quality1080 Quality = 1080
	Quality2160 Quality = 2160
)

type Codec string

const (
	CodecX264      Codec = "x264"
	CodecX265      Codec = "x265"
	CodecX26510Bit Codec = "x265-10bit"
	CodecAV1       Codec = "av1"
	CodecXvid      Codec = "xvid"
	CodecUnknown   Codec = "unknown"
)

// Base strips the 10-bit marker so both variants can share a ranking tier.
func (c Codec) Base() Codec {
	if c == CodecX26510Bit {
		return CodecX265
	}
	return c
}

type VideoSource string

const (
	VideoSourceBluRay  VideoSource = "bluray"
	VideoSourceWeb     VideoSource = "web"
	VideoSourceHDTV    VideoSource = "hdtv"
	VideoSourceDVD     VideoSource = "dvd"
	VideoSourceCam     VideoSource = "cam"
	VideoSourceUnknown VideoSource = "unknown"
)

// Media identifies one catalog item the pipeline can acquire sources for.
type Media struct {
	ID             int64
	Slug           string
	Type           MediaType
	Title          string
	RuntimeMinutes int
}

// Bucket is the (media, quality, codec) grouping unit for ranking, search
// satisfaction, and quota decisions.
type Bucket struct {
	MediaID int64
	Quality Quality
	Codec   Codec
}
