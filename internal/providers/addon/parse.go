package addon

import (
	"regexp"
	"strings"

	"github.com/MunifTanjim/go-ptt"
	"github.com/dustin/go-humanize"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
)

var (
	cachedTagPattern   = regexp.MustCompile(`\[[A-Za-z]{2,4}\+\]`)
	uncachedTagPattern = regexp.MustCompile(`(?i)\[[A-Za-z]{2,4}\s+download\]`)
	sizePattern        = regexp.MustCompile(`💾\s*([0-9]+(?:[.,][0-9]+)?\s*[KMGT]i?B)`)
)

func (p *Provider) toCandidate(item stream) domain.CandidateSource {
	resolution, sourceQuality := parseQuality(item)
	title := firstNonEmpty(item.BehaviorHints.Filename, firstLine(item.Title), firstLine(item.Description))
	return domain.CandidateSource{
		URL:        strings.TrimSpace(item.URL),
		Resolution: resolution,
		Quality:    sourceQuality,
		IsCached:   isCached(item.Name),
		Name:       strings.TrimSpace(item.Name),
		Title:      title,
		Provider:   p.name,
		SizeBytes:  parseSize(item),
	}
}

// parseQuality reads resolution and source quality from the most specific text first: the
// filename hint, then title and description, then the stream name. Each axis takes the first
// text that yields a value.
func parseQuality(item stream) (string, string) {
	var resolution, sourceQuality string
	for _, text := range []string{item.BehaviorHints.Filename, item.Title, item.Description, item.Name} {
		if resolution != "" && sourceQuality != "" {
			break
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		parsed := ptt.Parse(strings.ReplaceAll(text, "\n", " "))
		if resolution == "" && parsed.Resolution != "" {
			resolution = canonicalOrRaw(quality.Resolution, parsed.Resolution)
		}
		if sourceQuality == "" && parsed.Quality != "" {
			sourceQuality = canonicalOrRaw(quality.SourceQuality, parsed.Quality)
		}
	}
	return resolution, sourceQuality
}

func canonicalOrRaw(axis *quality.Axis, raw string) string {
	if label, ok := axis.Canonical(raw); ok {
		return label
	}
	return raw
}

// isCached reads debrid markers from the stream name: "[RD+]" or a lightning bolt mean the
// file is already on the debrid service, "[RD download]" or an hourglass mean it is not.
func isCached(name string) bool {
	if strings.Contains(name, "⏳") || uncachedTagPattern.MatchString(name) {
		return false
	}
	return strings.Contains(name, "⚡") || cachedTagPattern.MatchString(name)
}

func parseSize(item stream) int64 {
	if item.BehaviorHints.VideoSize > 0 {
		return item.BehaviorHints.VideoSize
	}
	for _, text := range []string{item.Title, item.Description, item.Name} {
		match := sizePattern.FindStringSubmatch(text)
		if len(match) < 2 {
			continue
		}
		size, err := humanize.ParseBytes(strings.ReplaceAll(match[1], ",", "."))
		if err == nil && size > 0 {
			return int64(size)
		}
	}
	return 0
}

func firstLine(value string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(value), "\n")
	return strings.TrimSpace(line)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
