// Package search ranks reference images against a query descriptor set
// using a sequential scan, a pooled parallel scan, or an approximate
// shortlist followed by exact reranking.
package search

import (
	"context"
	"time"

	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/scorer"
	"github.com/patrikhermansson/pinmatch/store"
	"github.com/rs/zerolog/log"
)

// Target is the data a search runs against. Index may be nil, in which
// case hybrid searches fall back to the parallel scan.
type Target struct {
	Store *store.Store
	Index *annindex.Adapter
}

// Orchestrator runs searches. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	scorer *scorer.Scorer
}

// New returns an orchestrator comparing descriptor sets with s.
func New(s *scorer.Scorer) *Orchestrator {
	return &Orchestrator{scorer: s}
}

// item is one image to evaluate, with its position in the input order.
type item struct {
	order  int
	record *store.Record
	approx []float64 // per-descriptor approximate similarities, hybrid only
}

type verdict int

const (
	drop verdict = iota
	keep
	stopHere
)

// Search returns the ranked matches for query. An empty query yields an
// empty result. When a match reaches opts.EarlyStopThreshold the search
// returns that match alone.
func (o *Orchestrator) Search(ctx context.Context, query descriptor.Set, target Target, opts Options) ([]Match, error) {
	opts = opts.normalized()
	if len(query) == 0 || target.Store == nil || target.Store.Len() == 0 {
		return []Match{}, nil
	}

	start := time.Now()
	log.Info().Msgf("Searching %d images with strategy=%s early_stop=%.2f min=%.2f workers=%d",
		target.Store.Len(), opts.Strategy, opts.EarlyStopThreshold, opts.MinThreshold, opts.Workers)

	var (
		results []Match
		err     error
	)
	switch opts.Strategy {
	case Sequential:
		results, err = o.sequential(ctx, query, target.Store, opts)
	case Hybrid:
		if target.Index == nil {
			log.Warn().Msg("ANN index unavailable, falling back to parallel search")
			results, err = o.parallel(ctx, query, target.Store, opts)
		} else {
			results, err = o.hybrid(ctx, query, target, opts)
		}
	default:
		results, err = o.parallel(ctx, query, target.Store, opts)
	}
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []Match{}
	}
	log.Info().Msgf("Search finished in %s with %d results", time.Since(start).Round(time.Millisecond), len(results))
	return results, nil
}

// exactScore scores one record, treating a failure as no similarity.
func (o *Orchestrator) exactScore(query descriptor.Set, rec *store.Record) float64 {
	score, err := o.scorer.Score(query, rec.Descriptors)
	if err != nil {
		log.Error().Err(err).Str("image", rec.Key).Msg("Scoring failed, treating as no match")
		return 0
	}
	return score
}

func judge(m Match, opts Options) verdict {
	switch {
	case m.Score >= opts.EarlyStopThreshold:
		return stopHere
	case m.Score >= opts.MinThreshold:
		return keep
	}
	return drop
}

// exactEvaluator scores whole images; it backs the sequential and parallel scans.
func (o *Orchestrator) exactEvaluator(query descriptor.Set, method Strategy, opts Options) func(item) (Match, verdict) {
	return func(it item) (Match, verdict) {
		m := Match{
			ImageKey: it.record.Key,
			Score:    o.exactScore(query, it.record),
			Metadata: it.record.Metadata,
			Method:   method,
			order:    it.order,
		}
		v := judge(m, opts)
		m.EarlyStopped = v == stopHere
		return m, v
	}
}

func storeItems(st *store.Store) []item {
	records := st.Records()
	items := make([]item, len(records))
	for i, rec := range records {
		items[i] = item{order: i, record: rec}
	}
	return items
}

func (o *Orchestrator) sequential(ctx context.Context, query descriptor.Set, st *store.Store, opts Options) ([]Match, error) {
	eval := o.exactEvaluator(query, Sequential, opts)
	items := storeItems(st)
	var results []Match
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, v := eval(it)
		switch v {
		case stopHere:
			log.Info().Msgf("Early stop: score %.3f >= %.2f on %q (%d/%d processed)",
				m.Score, opts.EarlyStopThreshold, m.ImageKey, i+1, len(items))
			return []Match{m}, nil
		case keep:
			results = append(results, m)
		}
	}
	log.Debug().Msgf("Sequential scan analysed %d images", len(items))
	return rank(results, opts.TopK), nil
}

func (o *Orchestrator) parallel(ctx context.Context, query descriptor.Set, st *store.Store, opts Options) ([]Match, error) {
	items := storeItems(st)
	log.Debug().Msgf("Parallel scan: %d batches of up to %d images",
		(len(items)+opts.BatchSize-1)/opts.BatchSize, opts.BatchSize)

	win, merged, err := runPooled(ctx, items, opts.BatchSize, opts.Workers,
		o.exactEvaluator(query, Parallel, opts))
	if err != nil {
		return nil, err
	}
	if win != nil {
		log.Info().Msgf("Parallel early stop: score %.3f on %q", win.Score, win.ImageKey)
		return []Match{*win}, nil
	}
	log.Debug().Msgf("Parallel scan found %d candidates", len(merged))
	return rank(merged, opts.TopK), nil
}
