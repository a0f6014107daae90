package search

import (
	"sort"

	"github.com/patrikhermansson/pinmatch/store"
)

// Match is one ranked result. It is never persisted.
type Match struct {
	ImageKey     string         `json:"image_path"`
	Score        float64        `json:"similarity_score"`
	Metadata     store.Metadata `json:"metadata"`
	EarlyStopped bool           `json:"early_stopped"`
	Method       Strategy       `json:"search_method"`

	// Hybrid only.
	ApproxHits  int     `json:"approx_hits,omitempty"`
	ExactScore  float64 `json:"exact_score,omitempty"`
	ApproxScore float64 `json:"approx_score,omitempty"`

	order int
}

// rank sorts by descending score, keeping input order among equal scores,
// and truncates to topK.
func rank(matches []Match, topK int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].order < matches[j].order
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
