package thumbnail

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PrewarmResult counts the outcome of a Prewarm call
type PrewarmResult struct {
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Prewarm resolves pages with at most limit requests outstanding. A nil pages
// slice means every page. Page failures are counted, only ctx cancellation
// or a closed pipeline is returned as an error.
func (p *Pipeline) Prewarm(ctx context.Context, pages []int, limit int, progress func(done, total int)) (PrewarmResult, error) {
	if pages == nil {
		pages = make([]int, p.pageCount)
		for i := range pages {
			pages[i] = i
		}
	}
	if limit <= 0 {
		limit = 1
	}

	var resolved, failed, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, page := range pages {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := p.Resolve(gctx, page)
			switch {
			case err == nil:
				resolved.Add(1)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrClosed):
				return err
			default:
				failed.Add(1)
			}
			if progress != nil {
				progress(int(done.Add(1)), len(pages))
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return PrewarmResult{Resolved: int(resolved.Load()), Failed: int(failed.Load())}, err
}
