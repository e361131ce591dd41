// Package selection picks the source handed to the player from a gathered candidate list.
package selection

import (
	"sort"

	"debridui/resolver/internal/domain"
	"debridui/resolver/internal/quality"
)

// SelectBestSource filters candidates by URL presence and the quality range, splits them into
// cached and uncached matches, orders each by resolution then source quality, and returns the
// head of the cached list if any, else the head of the uncached list. Equal-ranked candidates
// keep their input order, which carries provider priority.
func SelectBestSource(candidates []domain.CandidateSource, r quality.Range) domain.SelectionResult {
	cached := make([]domain.CandidateSource, 0, len(candidates))
	uncached := make([]domain.CandidateSource, 0, len(candidates))
	for _, candidate := range candidates {
		if !candidate.Eligible() || !quality.Matches(candidate, r) {
			continue
		}
		if candidate.IsCached {
			cached = append(cached, candidate)
		} else {
			uncached = append(uncached, candidate)
		}
	}

	sortByPriority(cached)
	sortByPriority(uncached)

	result := domain.SelectionResult{
		CachedMatches:   cached,
		UncachedMatches: uncached,
	}
	switch {
	case len(cached) > 0:
		pick := cached[0]
		result.Source = &pick
		result.IsCached = true
		result.HasMatches = true
	case len(uncached) > 0:
		pick := uncached[0]
		result.Source = &pick
		result.HasMatches = true
	}
	return result
}

func sortByPriority(items []domain.CandidateSource) {
	sort.SliceStable(items, func(i, j int) bool {
		return compareCandidates(items[i], items[j]) < 0
	})
}

func compareCandidates(left, right domain.CandidateSource) int {
	if cmp := compareInt(quality.ResolutionRank(left.Resolution), quality.ResolutionRank(right.Resolution)); cmp != 0 {
		return cmp
	}
	return compareInt(quality.SourceQualityRank(left.Quality), quality.SourceQualityRank(right.Quality))
}

func compareInt(left, right int) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

// Summary is a compact description of a result, used for logs and metrics.
type Summary struct {
	Outcome  string
	Cached   int
	Uncached int
}

const (
	OutcomeCached   = "cached"
	OutcomeUncached = "uncached"
	OutcomeNoMatch  = "no_match"
)

func Summarize(result domain.SelectionResult) Summary {
	summary := Summary{
		Outcome:  OutcomeNoMatch,
		Cached:   len(result.CachedMatches),
		Uncached: len(result.UncachedMatches),
	}
	if result.HasMatches {
		summary.Outcome = OutcomeUncached
		if result.IsCached {
			summary.Outcome = OutcomeCached
		}
	}
	return summary
}
