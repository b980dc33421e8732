package engine

import (
	"context"
	"sync"
)

const defaultParallelism = 4

// RunAll runs independent pipelines with at most parallelism of them in
// flight. Each pipeline still runs its own steps sequentially; a halted
// pipeline does not stop the others. Results are in input order.
func (e *Engine) RunAll(ctx context.Context, pipelines []*Pipeline, parallelism int) []*Result {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	results := make([]*Result, len(pipelines))
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup
	for i, p := range pipelines {
		wg.Add(1)
		go func(i int, p *Pipeline) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Run(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return results
}
