// Package quality holds the resolution and source-quality taxonomy and the range predicate built
// on top of it.
package quality

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TaxonomyVersion is bumped whenever an axis is reordered or gains a tier.
const TaxonomyVersion = 1

// Axis is a fixed total order of labels, best first. Rank 0 is the best tier; UnknownRank sorts
// after every known tier.
type Axis struct {
	name    string
	order   []string
	aliases map[string]string
	index   map[string]int
}

var Resolution = newAxis("resolution",
	[]string{"2160p", "1440p", "1080p", "720p", "576p", "480p", "360p", "240p"},
	map[string]string{
		"4k": "2160p", "uhd": "2160p", "2160": "2160p",
		"2k": "1440p", "qhd": "1440p", "1440": "1440p",
		"fhd": "1080p", "1080": "1080p", "1080i": "1080p",
		"hd": "720p", "720": "720p",
		"576": "576p", "576i": "576p",
		"sd": "480p", "480": "480p", "480i": "480p",
		"360": "360p",
		"240": "240p",
	},
)

var SourceQuality = newAxis("sourceQuality",
	[]string{"remux", "bluray", "bdrip", "web-dl", "webrip", "hdrip", "hdtv", "dvdrip", "scr", "telecine", "telesync", "cam"},
	map[string]string{
		"bluray-remux": "remux", "bdremux": "remux", "uhd-remux": "remux",
		"blu-ray": "bluray", "bd": "bluray",
		"brrip": "bdrip", "bdmux": "bdrip",
		"web": "web-dl", "webdl": "web-dl", "web-dlrip": "webrip",
		"web-rip": "webrip", "webmux": "webrip",
		"hdtvrip": "hdtv", "pdtv": "hdtv", "tvrip": "hdtv", "satrip": "hdtv", "ppvrip": "hdtv",
		"dvd": "dvdrip", "dvd-rip": "dvdrip",
		"screener": "scr", "dvdscr": "scr", "r5": "scr",
		"tc": "telecine",
		"ts": "telesync", "hdts": "telesync",
		"camrip": "cam", "hdcam": "cam",
	},
)

func newAxis(name string, order []string, aliases map[string]string) *Axis {
	index := make(map[string]int, len(order))
	for i, label := range order {
		index[label] = i
	}
	return &Axis{name: name, order: order, aliases: aliases, index: index}
}

func (a *Axis) Name() string {
	return a.name
}

func (a *Axis) Labels() []string {
	return append([]string(nil), a.order...)
}

func (a *Axis) UnknownRank() int {
	return len(a.order)
}

// Canonical maps a raw label (any case, alias or width variant) to its taxonomy label.
func (a *Axis) Canonical(raw string) (string, bool) {
	label := normalizeLabel(raw)
	if label == "" {
		return "", false
	}
	if _, ok := a.index[label]; ok {
		return label, true
	}
	if canonical, ok := a.aliases[label]; ok {
		return canonical, true
	}
	return "", false
}

// Rank returns the tier index for label, or UnknownRank for missing or unrecognised labels.
func (a *Axis) Rank(raw string) int {
	label, ok := a.Canonical(raw)
	if !ok {
		return a.UnknownRank()
	}
	return a.index[label]
}

func (a *Axis) Known(raw string) bool {
	_, ok := a.Canonical(raw)
	return ok
}

func ResolutionRank(label string) int {
	return Resolution.Rank(label)
}

func SourceQualityRank(label string) int {
	return SourceQuality.Rank(label)
}

var labelSeparators = strings.NewReplacer("_", "-", " ", "-", ".", "-")

func normalizeLabel(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	value = cases.Fold().String(norm.NFKC.String(value))
	return labelSeparators.Replace(value)
}
