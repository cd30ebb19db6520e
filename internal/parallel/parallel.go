// Package parallel splits element-wise kernel loops across worker goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled  bool `yaml:"enabled"`   // Whether parallel execution is enabled.
	Workers  int  `yaml:"workers"`   // Number of worker goroutines to use.
	MinChunk int  `yaml:"min_chunk"` // Minimum elements per goroutine to avoid overhead.
}

// Serial returns a configuration that always runs on the calling goroutine.
func Serial() Config {
	return Config{}
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:  n > 1,
		Workers:  n,
		MinChunk: 4096,
	}
}

// Chunks returns how many ranges For would split n elements into.
func (cfg Config) Chunks(n int) int {
	if !cfg.Enabled || cfg.Workers <= 1 || n < 2*max(cfg.MinChunk, 1) {
		return 1
	}
	size := cfg.chunkSize(n)
	return (n + size - 1) / size
}

func (cfg Config) chunkSize(n int) int {
	return max((n+cfg.Workers-1)/cfg.Workers, cfg.MinChunk, 1)
}

// For calls f on disjoint ranges [lo, hi) covering [0, n) and returns once all calls are done.
// Falls back to a single call on the caller's goroutine when parallelism is disabled or n is small.
func For(n int, cfg Config, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if cfg.Chunks(n) == 1 {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	size := cfg.chunkSize(n)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			f(lo, hi)
		}(start, end)
	}
	wg.Wait()
}
