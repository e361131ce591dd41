package quality

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"debridui/resolver/internal/domain"
)

// Any leaves one side of an axis unrestricted. The empty bound means the same.
const Any Bound = "any"

var ErrUnknownLabel = errors.New("unknown quality label")

// Bound is a taxonomy label or the wildcard.
type Bound string

func (b Bound) IsWildcard() bool {
	value := strings.ToLower(strings.TrimSpace(string(b)))
	return value == "" || value == string(Any)
}

// AxisRange bounds one axis. Min is the lowest tier the user accepts ("at least 720p"), Max the
// highest ("at most 1080p").
type AxisRange struct {
	Min Bound `json:"minBound"`
	Max Bound `json:"maxBound"`
}

type Range struct {
	Resolution    AxisRange `json:"resolution"`
	SourceQuality AxisRange `json:"sourceQuality"`
}

func Unrestricted() Range {
	return Range{
		Resolution:    AxisRange{Min: Any, Max: Any},
		SourceQuality: AxisRange{Min: Any, Max: Any},
	}
}

// Indices resolves an axis range against the taxonomy. minIndex comes from the best tier allowed
// (Max) and maxIndex from the worst tier allowed (Min). Wildcards and labels outside the taxonomy
// leave that side open.
func (a *Axis) Indices(r AxisRange) (minIndex, maxIndex int) {
	minIndex, maxIndex = 0, math.MaxInt
	if !r.Max.IsWildcard() {
		if label, ok := a.Canonical(string(r.Max)); ok {
			minIndex = a.index[label]
		}
	}
	if !r.Min.IsWildcard() {
		if label, ok := a.Canonical(string(r.Min)); ok {
			maxIndex = a.index[label]
		}
	}
	return minIndex, maxIndex
}

// Admits reports whether label falls inside r. Unknown labels always pass; an inverted range is
// evaluated literally and admits nothing known.
func (a *Axis) Admits(r AxisRange, label string) bool {
	rank := a.Rank(label)
	if rank == a.UnknownRank() {
		return true
	}
	minIndex, maxIndex := a.Indices(r)
	return minIndex <= rank && rank <= maxIndex
}

func (a *Axis) inverted(r AxisRange) bool {
	minIndex, maxIndex := a.Indices(r)
	return minIndex > maxIndex
}

func (a *Axis) validate(r AxisRange) error {
	var errs []error
	for _, side := range []struct {
		name  string
		bound Bound
	}{{"minBound", r.Min}, {"maxBound", r.Max}} {
		if side.bound.IsWildcard() || a.Known(string(side.bound)) {
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s.%s=%q", ErrUnknownLabel, a.name, side.name, string(side.bound)))
	}
	return errors.Join(errs...)
}

// Matches is the range predicate: both axes must admit the candidate.
func Matches(candidate domain.CandidateSource, r Range) bool {
	return Resolution.Admits(r.Resolution, candidate.Resolution) &&
		SourceQuality.Admits(r.SourceQuality, candidate.Quality)
}

// Validate reports bound labels that are neither a taxonomy label nor the wildcard.
func (r Range) Validate() error {
	return errors.Join(
		Resolution.validate(r.Resolution),
		SourceQuality.validate(r.SourceQuality),
	)
}

// Inverted lists the axes whose best-allowed bound ranks below their worst-allowed bound.
func (r Range) Inverted() []string {
	var axes []string
	if Resolution.inverted(r.Resolution) {
		axes = append(axes, Resolution.name)
	}
	if SourceQuality.inverted(r.SourceQuality) {
		axes = append(axes, SourceQuality.name)
	}
	return axes
}

// Canonicalize rewrites known labels to their taxonomy form and wildcards to Any.
func (r Range) Canonicalize() Range {
	return Range{
		Resolution:    Resolution.canonicalRange(r.Resolution),
		SourceQuality: SourceQuality.canonicalRange(r.SourceQuality),
	}
}

func (a *Axis) canonicalRange(r AxisRange) AxisRange {
	return AxisRange{Min: a.canonicalBound(r.Min), Max: a.canonicalBound(r.Max)}
}

func (a *Axis) canonicalBound(b Bound) Bound {
	if b.IsWildcard() {
		return Any
	}
	if label, ok := a.Canonical(string(b)); ok {
		return Bound(label)
	}
	return b
}
