package search

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// winner holds the first early-stop match. Only the first writer succeeds;
// every task reads it before starting.
type winner struct {
	match atomic.Pointer[Match]
}

func (w *winner) offer(m Match) bool {
	return w.match.CompareAndSwap(nil, &m)
}

func (w *winner) get() *Match {
	return w.match.Load()
}

// batchResult is what one batch hands back to the collector.
type batchResult struct {
	matches []Match
	stopped bool
}

// runPooled evaluates items in batches of batchSize on at most workers
// goroutines. A batch that produces an early-stop match claims the winner
// slot; batches that have not started yet are skipped and running ones are
// left to finish, their output discarded. It returns the winner if any,
// otherwise every qualifying match.
func runPooled(ctx context.Context, items []item, batchSize, workers int,
	eval func(item) (Match, verdict)) (*Match, []Match, error) {

	if len(items) == 0 {
		return nil, nil, nil
	}
	numBatches := (len(items) + batchSize - 1) / batchSize
	// Buffered so finishing tasks never block once the collector has returned.
	results := make(chan batchResult, numBatches)
	var win winner

	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(workers)
		for start := 0; start < len(items); start += batchSize {
			if win.get() != nil || ctx.Err() != nil {
				break
			}
			batch := items[start:min(start+batchSize, len(items))]
			g.Go(func() error {
				if win.get() != nil || ctx.Err() != nil {
					return nil
				}
				results <- runBatch(batch, eval, &win)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var merged []Match
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res, ok := <-results:
			if !ok {
				if w := win.get(); w != nil {
					return w, nil, nil
				}
				return nil, merged, nil
			}
			if res.stopped {
				return win.get(), nil, nil
			}
			merged = append(merged, res.matches...)
		}
	}
}

func runBatch(batch []item, eval func(item) (Match, verdict), win *winner) batchResult {
	var out []Match
	for _, it := range batch {
		m, v := eval(it)
		switch v {
		case stopHere:
			// A losing batch still reports stopped; the collector returns the winner.
			win.offer(m)
			return batchResult{stopped: true}
		case keep:
			out = append(out, m)
		}
	}
	return batchResult{matches: out}
}
