// Package parallel provides the work partition used by the task scheduler.
//
// Active tasks are split first across ranks by a fixed stride and then, within
// a rank's share, into contiguous static chunks across worker goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled           bool // Whether multithreaded execution is enabled.
	NumWorkers        int  // Number of worker goroutines to use.
	MinTasksPerWorker int  // Minimum tasks per worker to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:           n > 1,
		NumWorkers:        n,
		MinTasksPerWorker: 10,
	}
}

// NumThreads returns the number of workers each of ranks processes should use
// for nactive tasks. Workers are reduced until every worker of every rank has
// at least MinTasksPerWorker tasks, falling back to one.
func NumThreads(cfg Config, ranks, nactive int) int {
	if !cfg.Enabled || cfg.NumWorkers < 1 || ranks < 1 {
		return 1
	}
	nt := cfg.NumWorkers
	per := max(cfg.MinTasksPerWorker, 1)
	if nt*ranks*per > nactive {
		nt = nactive / ranks / per
	}
	if nt < 1 {
		nt = 1
	}
	return nt
}

// Strided returns the active positions handled by rank out of ranks:
// rank, rank+ranks, rank+2*ranks, ...
func Strided(rank, ranks, nactive int) []int {
	if ranks < 1 {
		ranks = 1
	}
	if rank >= nactive {
		return nil
	}
	out := make([]int, 0, (nactive-rank+ranks-1)/ranks)
	for i := rank; i < nactive; i += ranks {
		out = append(out, i)
	}
	return out
}

// Chunk returns the half-open range [lo, hi) of n items given to worker w of
// nt under a static schedule. The first n%nt workers get one extra item.
func Chunk(w, nt, n int) (lo, hi int) {
	size, rem := n/nt, n%nt
	lo = w*size + min(w, rem)
	hi = lo + size
	if w < rem {
		hi++
	}
	return lo, hi
}

// Workers runs f(w) for w in [0, nt) and waits for all of them.
// With a single worker f runs on the calling goroutine.
func Workers(nt int, f func(w int)) {
	if nt <= 1 {
		f(0)
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < nt; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			f(w)
		}(w)
	}
	wg.Wait()
}

// For executes f(w, i) for every item i of items, split into nt static
// chunks. w identifies the worker running the chunk.
func For(items []int, nt int, f func(w, i int)) {
	n := len(items)
	nt = max(min(nt, n), 1)
	Workers(nt, func(w int) {
		lo, hi := Chunk(w, nt, n)
		for _, i := range items[lo:hi] {
			f(w, i)
		}
	})
}
