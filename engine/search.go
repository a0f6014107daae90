package engine

import (
	"context"
	"time"

	"github.com/patrikhermansson/pinmatch/descriptor"
	"github.com/patrikhermansson/pinmatch/search"
	"github.com/rs/zerolog/log"
)

// QueryResult is the answer to an image query.
type QueryResult struct {
	Features int            `json:"features"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Matches  []search.Match `json:"results"`
	Took     time.Duration  `json:"took"`
}

// Search extracts the descriptors of image and ranks the collection against
// them. topK <= 0 uses the configured top_k. Undecodable input returns an
// error wrapping extract.ErrDecode.
func (e *Engine) Search(ctx context.Context, image []byte, topK int) (QueryResult, error) {
	start := time.Now()
	res, err := e.extract(image)
	if err != nil {
		return QueryResult{}, err
	}
	matches, err := e.SearchDescriptors(ctx, res.Descriptors, topK)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{
		Features: len(res.Descriptors),
		Width:    res.Width,
		Height:   res.Height,
		Matches:  matches,
		Took:     time.Since(start),
	}, nil
}

// SearchDescriptors ranks the collection against an already extracted set.
// The tunables are read once, so a concurrent SetConfig never affects a
// search in flight.
func (e *Engine) SearchDescriptors(ctx context.Context, query descriptor.Set, topK int) ([]search.Match, error) {
	opts := e.Config().SearchOptions()
	if topK > 0 {
		opts.TopK = topK
	}
	cur := e.current()
	if len(query) == 0 {
		log.Info().Msg("Query has no features, nothing to match")
		return []search.Match{}, nil
	}
	return e.search.Search(ctx, query, search.Target{Store: cur.store, Index: cur.index}, opts)
}

// Best is the single best match of a query and the file it came from.
type Best struct {
	Match    search.Match
	FilePath string
	Features int
}

// SearchBest returns the best match for image. ok is false when nothing
// clears the minimum threshold.
func (e *Engine) SearchBest(ctx context.Context, image []byte) (best Best, ok bool, err error) {
	res, err := e.Search(ctx, image, 1)
	if err != nil {
		return Best{}, false, err
	}
	if len(res.Matches) == 0 {
		return Best{Features: res.Features}, false, nil
	}
	m := res.Matches[0]
	return Best{Match: m, FilePath: m.Metadata.Path, Features: res.Features}, true, nil
}
