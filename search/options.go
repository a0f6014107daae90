package search

import "fmt"

// Strategy selects how the store is scanned.
type Strategy string

const (
	// Sequential scores every image in store order on the calling goroutine.
	Sequential Strategy = "sequential"
	// Parallel scores fixed-size batches of images on a bounded worker pool.
	Parallel Strategy = "parallel"
	// Hybrid shortlists images through the ANN index and reranks them exactly.
	Hybrid Strategy = "hybrid"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Sequential, Parallel, Hybrid:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (want sequential, parallel or hybrid)", s)
}

// Blend weights of the hybrid score: exact rescoring against the mean of the
// approximate per-descriptor similarities. Chosen empirically.
const (
	DefaultExactWeight  = 0.7
	DefaultApproxWeight = 0.3
)

// Options are the per-request tunables. They are read once per search.
type Options struct {
	Strategy           Strategy
	TopK               int
	MinThreshold       float64
	EarlyStopThreshold float64
	Workers            int
	BatchSize          int

	// SearchBreadth and BreadthCap give the neighbors fetched per query
	// descriptor: min(3*SearchBreadth, BreadthCap).
	SearchBreadth int
	BreadthCap    int
	// RerankLimit caps the images rescored exactly in the hybrid second phase.
	RerankLimit int

	ExactWeight  float64
	ApproxWeight float64
}

// DefaultOptions mirrors the defaults of the service configuration.
func DefaultOptions() Options {
	return Options{
		Strategy:           Hybrid,
		TopK:               5,
		MinThreshold:       0.3,
		EarlyStopThreshold: 0.4,
		Workers:            14,
		BatchSize:          100,
		SearchBreadth:      10,
		BreadthCap:         100,
		RerankLimit:        100,
		ExactWeight:        DefaultExactWeight,
		ApproxWeight:       DefaultApproxWeight,
	}
}

func (o Options) normalized() Options {
	if o.TopK < 1 {
		o.TopK = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.SearchBreadth < 1 {
		o.SearchBreadth = 1
	}
	if o.BreadthCap < 1 {
		o.BreadthCap = 1
	}
	if o.RerankLimit < 1 {
		o.RerankLimit = 1
	}
	if o.ExactWeight == 0 && o.ApproxWeight == 0 {
		o.ExactWeight, o.ApproxWeight = DefaultExactWeight, DefaultApproxWeight
	}
	return o
}

// neighborsPerDescriptor is k' of the hybrid first phase.
func (o Options) neighborsPerDescriptor() int {
	return min(3*o.SearchBreadth, o.BreadthCap)
}
