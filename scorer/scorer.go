// Package scorer computes a bounded similarity score between two descriptor
// sets from their mutual best Hamming matches.
package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/patrikhermansson/pinmatch/descriptor"
)

// Params holds the tier thresholds and weights of the score. The defaults
// were tuned empirically on pin photographs and carry no deeper model.
type Params struct {
	ExcellentDistance int // matches below this Hamming distance are excellent
	GoodDistance      int // matches below this are good
	DecentDistance    int // matches below this are decent

	ExcellentWeight float64
	GoodWeight      float64
	DecentWeight    float64
	QualityDivisor  float64

	// DistanceNorm maps the mean good-match distance onto [0, 1].
	DistanceNorm float64

	QualityShare  float64
	DistanceShare float64
	CoverageShare float64

	BonusMinRatio float64 // excellent ratio that must be exceeded for a bonus
	BonusFactor   float64
	BonusCap      float64
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		ExcellentDistance: 25,
		GoodDistance:      40,
		DecentDistance:    60,
		ExcellentWeight:   1.0,
		GoodWeight:        0.7,
		DecentWeight:      0.4,
		QualityDivisor:    3,
		DistanceNorm:      100,
		QualityShare:      0.5,
		DistanceShare:     0.3,
		CoverageShare:     0.2,
		BonusMinRatio:     0.1,
		BonusFactor:       0.2,
		BonusCap:          0.1,
	}
}

// Match pairs a query descriptor with a candidate descriptor.
type Match struct {
	Query     int
	Candidate int
	Distance  int
}

// MutualMatches returns the cross-checked nearest neighbors between query and
// candidate: i and j are paired only if j is the closest candidate to i and i
// is the closest query to j. On equal distances the lower index wins. The
// result is sorted by ascending distance, keeping query order among ties.
func MutualMatches(query, candidate descriptor.Set) []Match {
	if len(query) == 0 || len(candidate) == 0 {
		return nil
	}
	bestCand := make([]int, len(query))
	bestCandDist := make([]int, len(query))
	bestQuery := make([]int, len(candidate))
	bestQueryDist := make([]int, len(candidate))
	for i := range bestCandDist {
		bestCandDist[i] = math.MaxInt
	}
	for j := range bestQueryDist {
		bestQueryDist[j] = math.MaxInt
	}

	for i, q := range query {
		for j, c := range candidate {
			d := descriptor.Hamming(q, c)
			if d < bestCandDist[i] {
				bestCandDist[i] = d
				bestCand[i] = j
			}
			if d < bestQueryDist[j] {
				bestQueryDist[j] = d
				bestQuery[j] = i
			}
		}
	}

	matches := make([]Match, 0, len(query))
	for i, j := range bestCand {
		if bestQuery[j] == i {
			matches = append(matches, Match{Query: i, Candidate: j, Distance: bestCandDist[i]})
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Distance < matches[b].Distance
	})
	return matches
}

// Breakdown exposes the intermediate terms of a score.
type Breakdown struct {
	Matches       int
	Excellent     int
	Good          int
	Decent        int
	QualityScore  float64
	DistanceScore float64
	CoverageScore float64
	Bonus         float64
	Final         float64
}

// Scorer computes similarity with a fixed set of Params. It holds no state
// between calls and is safe for concurrent use.
type Scorer struct {
	params Params
}

// New returns a scorer using p.
func New(p Params) *Scorer {
	return &Scorer{params: p}
}

// Default returns a scorer using DefaultParams.
func Default() *Scorer {
	return New(DefaultParams())
}

// Params returns the parameters of the scorer.
func (s *Scorer) Params() Params {
	return s.params
}

// Score returns the similarity of candidate to query in [0, 1]. Empty sets
// score 0. Matching is directional so Score(a, b) need not equal Score(b, a).
// An error is returned only for malformed descriptors.
func (s *Scorer) Score(query, candidate descriptor.Set) (float64, error) {
	b, err := s.Explain(query, candidate)
	return b.Final, err
}

// Explain is Score with the intermediate terms.
func (s *Scorer) Explain(query, candidate descriptor.Set) (Breakdown, error) {
	if len(query) == 0 || len(candidate) == 0 {
		return Breakdown{}, nil
	}
	if err := query.Validate(); err != nil {
		return Breakdown{}, fmt.Errorf("query: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return Breakdown{}, fmt.Errorf("candidate: %w", err)
	}
	if query.Dimension() != candidate.Dimension() {
		return Breakdown{}, fmt.Errorf("descriptor size mismatch: query %d bytes, candidate %d bytes",
			query.Dimension(), candidate.Dimension())
	}

	p := s.params
	matches := MutualMatches(query, candidate)
	b := Breakdown{Matches: len(matches)}
	if len(matches) == 0 {
		return b, nil
	}

	var goodSum int
	for _, m := range matches {
		if m.Distance < p.ExcellentDistance {
			b.Excellent++
		}
		if m.Distance < p.GoodDistance {
			b.Good++
			goodSum += m.Distance
		}
		if m.Distance < p.DecentDistance {
			b.Decent++
		}
	}

	base := float64(min(len(query), len(candidate)))
	excellentRatio := float64(b.Excellent) / base
	goodRatio := float64(b.Good) / base
	decentRatio := float64(b.Decent) / base

	b.QualityScore = (excellentRatio*p.ExcellentWeight + goodRatio*p.GoodWeight +
		decentRatio*p.DecentWeight) / p.QualityDivisor
	if b.Good > 0 {
		mean := float64(goodSum) / float64(b.Good)
		b.DistanceScore = math.Max(0, 1-mean/p.DistanceNorm)
	}
	b.CoverageScore = decentRatio

	final := p.QualityShare*b.QualityScore + p.DistanceShare*b.DistanceScore +
		p.CoverageShare*b.CoverageScore
	if excellentRatio > p.BonusMinRatio {
		b.Bonus = math.Min(excellentRatio*p.BonusFactor, p.BonusCap)
		final += b.Bonus
	}
	b.Final = math.Max(0, math.Min(1, final))
	return b, nil
}
