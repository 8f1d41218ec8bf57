// Package parser extracts structured release attributes from free-text
// torrent titles.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"streamarr/internal/domain"
)

// Release is the structured form of a torrent title.
type Release struct {
	Title        string
	Year         int
	Season       int
	Episode      int
	EpisodeTitle string
	Codec        domain.Codec
	VideoSource  domain.VideoSource
	Quality      domain.Quality
	Languages    []string
}

// sentinel replaces every claimed span in the working string so later
// passes cannot re-match text an earlier pass already consumed.
const sentinel = "\x00"

var (
	seasonEpisodeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})[ ._-]?E(\d{1,3})\b|\b(\d{1,2})x(\d{2,3})\b|(?i)\bSeason[ ._]?(\d{1,2})[ ._]?Episode[ ._]?(\d{1,3})\b`)

	tenBitRe = regexp.MustCompile(`(?i)\b(?:10[ ._-]?bit|hi10p?)\b`)
	codecRe  = regexp.MustCompile(`(?i)\b(x[ .]?265|h[ .]?265|hevc|x[ .]?264|h[ .]?264|avc|av1|xvid|divx)\b`)

	videoSourceRe = regexp.MustCompile(`(?i)\b(blu[ ._-]?ray|bdrip|brrip|bdmux|remux|web[ ._-]?dl|web[ ._-]?rip|webmux|web|hdtv|dvdrip|dvd|hdcam|cam|telesync|ts)\b`)

	qualityRe = regexp.MustCompile(`(?i)\b(2160p|4k|uhd|1080p|1080i|720p|576p|480p|sd)\b`)

	languageRe = regexp.MustCompile(`(?i)\b(multi|english|eng|french|vostfr|vff|truefrench|german|spanish|castellano|italian|ita|japanese|korean|russian|hindi|dual[ ._-]?audio)\b`)

	yearRe = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

	descResolutionRe = regexp.MustCompile(`(\d{3,4})\s*[x×]\s*(\d{3,4})`)

	titleSeparatorRe = regexp.MustCompile(`[._]+`)
	spaceRunRe       = regexp.MustCompile(`\s{2,}`)
)

// Parse runs the ordered token-extraction passes over title. The pass
// order matters: season/episode tokens carry digits that would otherwise
// be misread as quality or year, so they are claimed first. description
// is only consulted for the quality fallback.
func Parse(title, description string) Release {
	work := title
	rel := Release{
		Codec:       domain.CodecUnknown,
		VideoSource: domain.VideoSourceUnknown,
	}

	work = rel.extractSeasonEpisode(work)
	work = rel.extractCodec(work)
	work = rel.extractVideoSource(work)
	work = rel.extractQuality(work)
	work = rel.extractLanguages(work)

	if rel.Quality == 0 {
		rel.Quality = qualityFromDescription(description)
	}

	parts := strings.Split(work, sentinel)
	head := parts[0]
	if m := yearRe.FindStringIndex(head); m != nil {
		rel.Year, _ = strconv.Atoi(head[m[0]:m[1]])
		head = head[:m[0]] + sentinel + head[m[1]:]
		head = strings.Split(head, sentinel)[0]
	}
	rel.Title = cleanTitle(head)

	if rel.Season > 0 && len(parts) > 1 {
		rel.EpisodeTitle = cleanTitle(parts[1])
	}

	return rel
}

func (r *Release) extractSeasonEpisode(work string) string {
	m := seasonEpisodeRe.FindStringSubmatchIndex(work)
	if m == nil {
		return work
	}
	groups := seasonEpisodeRe.FindStringSubmatch(work)
	for i := 1; i < len(groups); i += 2 {
		if groups[i] != "" {
			r.Season, _ = strconv.Atoi(groups[i])
			r.Episode, _ = strconv.Atoi(groups[i+1])
			break
		}
	}
	return excise(work, m[0], m[1])
}

func (r *Release) extractCodec(work string) string {
	tenBit := false
	if m := tenBitRe.FindStringIndex(work); m != nil {
		tenBit = true
		work = excise(work, m[0], m[1])
	}

	m := codecRe.FindStringIndex(work)
	if m == nil {
		return work
	}
	token := normalizeToken(work[m[0]:m[1]])
	switch token {
	case "x265", "h265", "hevc":
		r.Codec = domain.CodecX265
	case "x264", "h264", "avc":
		r.Codec = domain.CodecX264
	case "av1":
		r.Codec = domain.CodecAV1
	case "xvid", "divx":
		r.Codec = domain.CodecXvid
	}
	if tenBit && r.Codec == domain.CodecX265 {
		r.Codec = domain.CodecX26510Bit
	}
	work = excise(work, m[0], m[1])

	// Titles often carry both the family name and the encoder name
	// (e.g. "HEVC x265"); claim the second token too.
	if m := codecRe.FindStringIndex(work); m != nil {
		second := normalizeToken(work[m[0]:m[1]])
		if sameCodecFamily(token, second) {
			work = excise(work, m[0], m[1])
		}
	}
	return work
}

func (r *Release) extractVideoSource(work string) string {
	m := videoSourceRe.FindStringIndex(work)
	if m == nil {
		return work
	}
	switch normalizeToken(work[m[0]:m[1]]) {
	case "bluray", "bdrip", "brrip", "bdmux", "remux":
		r.VideoSource = domain.VideoSourceBluRay
	case "webdl", "webrip", "webmux", "web":
		r.VideoSource = domain.VideoSourceWeb
	case "hdtv":
		r.VideoSource = domain.VideoSourceHDTV
	case "dvdrip", "dvd":
		r.VideoSource = domain.VideoSourceDVD
	case "hdcam", "cam", "telesync", "ts":
		r.VideoSource = domain.VideoSourceCam
	}
	return excise(work, m[0], m[1])
}

func (r *Release) extractQuality(work string) string {
	m := qualityRe.FindStringIndex(work)
	if m == nil {
		return work
	}
	switch normalizeToken(work[m[0]:m[1]]) {
	case "2160p", "4k", "uhd":
		r.Quality = domain.Quality2160
	case "1080p", "1080i":
		r.Quality = domain.Quality1080
	case "720p":
		r.Quality = domain.Quality720
	case "576p", "480p", "sd":
		r.Quality = domain.Quality480
	}
	return excise(work, m[0], m[1])
}

func (r *Release) extractLanguages(work string) string {
	for {
		m := languageRe.FindStringIndex(work)
		if m == nil {
			return work
		}
		lang := canonicalLanguage(normalizeToken(work[m[0]:m[1]]))
		if !contains(r.Languages, lang) {
			r.Languages = append(r.Languages, lang)
		}
		work = excise(work, m[0], m[1])
	}
}

// excise replaces [start,end) with the sentinel, folding directly
// adjacent bracket or parenthesis boundaries into the claimed span.
func excise(s string, start, end int) string {
	if start > 0 && end < len(s) {
		open, close := s[start-1], s[end]
		if (open == '[' && close == ']') || (open == '(' && close == ')') {
			start--
			end++
		}
	}
	return s[:start] + sentinel + s[end:]
}

func normalizeToken(tok string) string {
	tok = strings.ToLower(tok)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '_', '-':
			return -1
		}
		return r
	}, tok)
}

func sameCodecFamily(a, b string) bool {
	family := func(t string) string {
		switch t {
		case "x265", "h265", "hevc":
			return "h265"
		case "x264", "h264", "avc":
			return "h264"
		}
		return t
	}
	return family(a) == family(b)
}

func canonicalLanguage(tok string) string {
	switch tok {
	case "eng":
		return "english"
	case "vff", "truefrench", "vostfr":
		return "french"
	case "castellano":
		return "spanish"
	case "ita":
		return "italian"
	case "dualaudio":
		return "multi"
	}
	return tok
}

func qualityFromDescription(description string) domain.Quality {
	if m := descResolutionRe.FindStringSubmatch(description); m != nil {
		width, _ := strconv.Atoi(m[1])
		switch {
		case width >= 3000:
			return domain.Quality2160
		case width >= 1900:
			return domain.Quality1080
		case width >= 1200:
			return domain.Quality720
		}
	}
	return domain.Quality480
}

func cleanTitle(s string) string {
	s = titleSeparatorRe.ReplaceAllString(s, " ")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " -[]()")
	return s
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
