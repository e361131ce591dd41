package domain

// CandidateSource is one playable option an addon provider reported for a media item.
type CandidateSource struct {
	URL        string `json:"url"`
	Resolution string `json:"resolution,omitempty"`
	Quality    string `json:"quality,omitempty"`
	IsCached   bool   `json:"isCached"`
	Name       string `json:"name,omitempty"`
	Title      string `json:"title,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
}

// Eligible reports whether the candidate carries a playable endpoint at all.
func (c CandidateSource) Eligible() bool {
	return c.URL != ""
}

// SelectionResult is the outcome of one selection pass. Source is nil iff HasMatches is false.
type SelectionResult struct {
	Source          *CandidateSource  `json:"source"`
	IsCached        bool              `json:"isCached"`
	HasMatches      bool              `json:"hasMatches"`
	CachedMatches   []CandidateSource `json:"cachedMatches"`
	UncachedMatches []CandidateSource `json:"uncachedMatches"`
}

func CloneCandidates(items []CandidateSource) []CandidateSource {
	if items == nil {
		return nil
	}
	return append([]CandidateSource(nil), items...)
}
