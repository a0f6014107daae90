// Package config holds the runtime search tunables, their validation, and
// the YAML startup file.
package config

import (
	"fmt"
	"strings"

	"github.com/patrikhermansson/pinmatch/search"
)

// Tunables are the settings that may change while the service runs.
type Tunables struct {
	EarlyStopThreshold float64         `json:"early_stop_threshold" yaml:"early_stop_threshold"`
	MinThreshold       float64         `json:"min_threshold" yaml:"min_threshold"`
	MaxWorkers         int             `json:"max_workers" yaml:"max_workers"`
	BatchSize          int             `json:"batch_size" yaml:"batch_size"`
	Strategy           search.Strategy `json:"strategy" yaml:"strategy"`
	ANNTrees           int             `json:"ann_trees" yaml:"ann_trees"`
	ANNSearchBreadth   int             `json:"ann_search_breadth" yaml:"ann_search_breadth"`
	ANNBreadthCap      int             `json:"ann_breadth_cap" yaml:"ann_breadth_cap"`
	RerankLimit        int             `json:"rerank_limit" yaml:"rerank_limit"`
	TopK               int             `json:"top_k" yaml:"top_k"`
}

// Defaults returns the tunables a fresh service starts with.
func Defaults() Tunables {
	return Tunables{
		EarlyStopThreshold: 0.4,
		MinThreshold:       0.3,
		MaxWorkers:         14,
		BatchSize:          100,
		Strategy:           search.Hybrid,
		ANNTrees:           10,
		ANNSearchBreadth:   10,
		ANNBreadthCap:      100,
		RerankLimit:        100,
		TopK:               5,
	}
}

type floatRange struct{ lo, hi float64 }

func (r floatRange) String() string { return fmt.Sprintf("[%g, %g]", r.lo, r.hi) }

// Contains reports whether v lies in the closed range.
func (r floatRange) Contains(v float64) bool { return v >= r.lo && v <= r.hi }

type intRange struct{ lo, hi int }

func (r intRange) String() string { return fmt.Sprintf("[%d, %d]", r.lo, r.hi) }

// Contains reports whether v lies in the closed range.
func (r intRange) Contains(v int) bool { return v >= r.lo && v <= r.hi }

// Accepted ranges.
var (
	EarlyStopRange     = floatRange{0.1, 1.0}
	MinThresholdRange  = floatRange{0, 1}
	WorkersRange       = intRange{1, 16}
	BatchSizeRange     = intRange{10, 200}
	TreesRange         = intRange{1, 100}
	SearchBreadthRange = intRange{1, 500}
	BreadthCapRange    = intRange{1, 1000}
	RerankLimitRange   = intRange{1, 1000}
	TopKRange          = intRange{1, 100}
)

// FieldError describes one rejected field.
type FieldError struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Range string `json:"valid_range"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s=%v must be in %s", e.Field, e.Value, e.Range)
}

// ValidationError lists every rejected field of a patch or file.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

type checker struct {
	errs []FieldError
}

func (c *checker) float(field string, v float64, r floatRange) {
	if !r.Contains(v) {
		c.errs = append(c.errs, FieldError{Field: field, Value: v, Range: r.String()})
	}
}

func (c *checker) int(field string, v int, r intRange) {
	if !r.Contains(v) {
		c.errs = append(c.errs, FieldError{Field: field, Value: v, Range: r.String()})
	}
}

func (c *checker) strategy(v search.Strategy) {
	if _, err := search.ParseStrategy(string(v)); err != nil {
		c.errs = append(c.errs, FieldError{Field: "strategy", Value: v, Range: "{sequential, parallel, hybrid}"})
	}
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: c.errs}
}

// Validate checks every field against its range.
func (t Tunables) Validate() error {
	var c checker
	c.float("early_stop_threshold", t.EarlyStopThreshold, EarlyStopRange)
	c.float("min_threshold", t.MinThreshold, MinThresholdRange)
	c.int("max_workers", t.MaxWorkers, WorkersRange)
	c.int("batch_size", t.BatchSize, BatchSizeRange)
	c.strategy(t.Strategy)
	c.int("ann_trees", t.ANNTrees, TreesRange)
	c.int("ann_search_breadth", t.ANNSearchBreadth, SearchBreadthRange)
	c.int("ann_breadth_cap", t.ANNBreadthCap, BreadthCapRange)
	c.int("rerank_limit", t.RerankLimit, RerankLimitRange)
	c.int("top_k", t.TopK, TopKRange)
	return c.err()
}

// SearchOptions converts the tunables into per-request search options.
func (t Tunables) SearchOptions() search.Options {
	opts := search.DefaultOptions()
	opts.Strategy = t.Strategy
	opts.TopK = t.TopK
	opts.MinThreshold = t.MinThreshold
	opts.EarlyStopThreshold = t.EarlyStopThreshold
	opts.Workers = t.MaxWorkers
	opts.BatchSize = t.BatchSize
	opts.SearchBreadth = t.ANNSearchBreadth
	opts.BreadthCap = t.ANNBreadthCap
	opts.RerankLimit = t.RerankLimit
	return opts
}

// Patch is a partial update. Nil fields are left unchanged.
// UseParallelSearch is the older boolean switch: true selects the parallel
// strategy, false the sequential one. Strategy wins when both are set.
type Patch struct {
	EarlyStopThreshold *float64 `json:"early_stop_threshold,omitempty"`
	MinThreshold       *float64 `json:"min_threshold,omitempty"`
	MaxWorkers         *int     `json:"max_workers,omitempty"`
	BatchSize          *int     `json:"batch_size,omitempty"`
	Strategy           *string  `json:"strategy,omitempty"`
	UseParallelSearch  *bool    `json:"use_parallel_search,omitempty"`
	ANNTrees           *int     `json:"ann_trees,omitempty"`
	ANNSearchBreadth   *int     `json:"ann_search_breadth,omitempty"`
	ANNBreadthCap      *int     `json:"ann_breadth_cap,omitempty"`
	RerankLimit        *int     `json:"rerank_limit,omitempty"`
	TopK               *int     `json:"top_k,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Apply returns t with every field of p applied, and the names of the fields
// that were set. If any provided field is invalid, t is returned unchanged
// together with a *ValidationError naming each invalid field.
func (t Tunables) Apply(p Patch) (Tunables, []string, error) {
	var c checker
	next := t
	var updated []string

	if p.EarlyStopThreshold != nil {
		c.float("early_stop_threshold", *p.EarlyStopThreshold, EarlyStopRange)
		next.EarlyStopThreshold = *p.EarlyStopThreshold
		updated = append(updated, "early_stop_threshold")
	}
	if p.MinThreshold != nil {
		c.float("min_threshold", *p.MinThreshold, MinThresholdRange)
		next.MinThreshold = *p.MinThreshold
		updated = append(updated, "min_threshold")
	}
	if p.MaxWorkers != nil {
		c.int("max_workers", *p.MaxWorkers, WorkersRange)
		next.MaxWorkers = *p.MaxWorkers
		updated = append(updated, "max_workers")
	}
	if p.BatchSize != nil {
		c.int("batch_size", *p.BatchSize, BatchSizeRange)
		next.BatchSize = *p.BatchSize
		updated = append(updated, "batch_size")
	}
	switch {
	case p.Strategy != nil:
		c.strategy(search.Strategy(*p.Strategy))
		next.Strategy = search.Strategy(*p.Strategy)
		updated = append(updated, "strategy")
	case p.UseParallelSearch != nil:
		next.Strategy = search.Sequential
		if *p.UseParallelSearch {
			next.Strategy = search.Parallel
		}
		updated = append(updated, "strategy")
	}
	if p.ANNTrees != nil {
		c.int("ann_trees", *p.ANNTrees, TreesRange)
		next.ANNTrees = *p.ANNTrees
		updated = append(updated, "ann_trees")
	}
	if p.ANNSearchBreadth != nil {
		c.int("ann_search_breadth", *p.ANNSearchBreadth, SearchBreadthRange)
		next.ANNSearchBreadth = *p.ANNSearchBreadth
		updated = append(updated, "ann_search_breadth")
	}
	if p.ANNBreadthCap != nil {
		c.int("ann_breadth_cap", *p.ANNBreadthCap, BreadthCapRange)
		next.ANNBreadthCap = *p.ANNBreadthCap
		updated = append(updated, "ann_breadth_cap")
	}
	if p.RerankLimit != nil {
		c.int("rerank_limit", *p.RerankLimit, RerankLimitRange)
		next.RerankLimit = *p.RerankLimit
		updated = append(updated, "rerank_limit")
	}
	if p.TopK != nil {
		c.int("top_k", *p.TopK, TopKRange)
		next.TopK = *p.TopK
		updated = append(updated, "top_k")
	}

	if err := c.err(); err != nil {
		return t, nil, err
	}
	return next, updated, nil
}
