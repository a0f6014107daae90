package search

import (
	"context"
	"sort"

	"github.com/patrikhermansson/pinmatch/annindex"
	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// shortlistEntry accumulates the approximate evidence for one image.
type shortlistEntry struct {
	key       string
	firstSeen int
	best      float64
	sims      []float64
}

// shortlist queries the index once per query descriptor and groups the hits
// by image, ordered by best single-descriptor similarity.
func shortlist(ctx context.Context, query descriptor.Set, idx *annindex.Adapter, opts Options) ([]*shortlistEntry, error) {
	k := opts.neighborsPerDescriptor()
	perDescriptor := make([][]annindex.Hit, len(query))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, d := range query {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hits, err := idx.Query(d.Vector(), k)
			if err != nil {
				log.Warn().Err(err).Msgf("ANN query failed for descriptor %d", i)
				return nil
			}
			perDescriptor[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byImage := make(map[string]*shortlistEntry)
	var entries []*shortlistEntry
	for _, hits := range perDescriptor {
		for _, h := range hits {
			e, ok := byImage[h.ImageKey]
			if !ok {
				e = &shortlistEntry{key: h.ImageKey, firstSeen: len(entries)}
				byImage[h.ImageKey] = e
				entries = append(entries, e)
			}
			e.sims = append(e.sims, h.Similarity)
			if h.Similarity > e.best {
				e.best = h.Similarity
			}
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].best == entries[j].best {
			return entries[i].firstSeen < entries[j].firstSeen
		}
		return entries[i].best > entries[j].best
	})
	return entries, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (o *Orchestrator) hybrid(ctx context.Context, query descriptor.Set, target Target, opts Options) ([]Match, error) {
	entries, err := shortlist(ctx, query, target.Index, opts)
	if err != nil {
		return nil, err
	}
	if len(entries) > opts.RerankLimit {
		entries = entries[:opts.RerankLimit]
	}

	items := make([]item, 0, len(entries))
	for _, e := range entries {
		rec, ok := target.Store.Record(e.key)
		if !ok {
			log.Debug().Msgf("Shortlisted image %q missing from store, skipping", e.key)
			continue
		}
		items = append(items, item{order: len(items), record: rec, approx: e.sims})
	}
	log.Debug().Msgf("Hybrid shortlist: %d images to rerank (k'=%d)", len(items), opts.neighborsPerDescriptor())

	eval := func(it item) (Match, verdict) {
		exact := o.exactScore(query, it.record)
		approx := mean(it.approx)
		m := Match{
			ImageKey:    it.record.Key,
			Score:       opts.ExactWeight*exact + opts.ApproxWeight*approx,
			Metadata:    it.record.Metadata,
			Method:      Hybrid,
			ApproxHits:  len(it.approx),
			ExactScore:  exact,
			ApproxScore: approx,
			order:       it.order,
		}
		v := judge(m, opts)
		m.EarlyStopped = v == stopHere
		return m, v
	}

	// One candidate per task so the early-stop flag is checked before each rerank.
	win, merged, err := runPooled(ctx, items, 1, opts.Workers, eval)
	if err != nil {
		return nil, err
	}
	if win != nil {
		log.Info().Msgf("Hybrid early stop: score %.3f on %q", win.Score, win.ImageKey)
		return []Match{*win}, nil
	}
	return rank(merged, opts.TopK), nil
}
