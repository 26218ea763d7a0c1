package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rv64fuzz/rv64fuzz/internal/corpus"
	"github.com/rv64fuzz/rv64fuzz/internal/coverage"
)

// statistics accumulates counters every worker updates lock-free via
// atomics; the reporting ticker reads them without coordinating with the
// workers producing them.
type statistics struct {
	cases  atomic.Uint64
	instrs atomic.Uint64
}

// reportStats prints a one-line summary every interval until stop is
// closed, in the vein of the original harness's per-second fuzzing stats
// line (cases/sec, coverage fill, unique crash count).
func reportStats(stats *statistics, cov *coverage.Bitmap, cp *corpus.Corpus, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var lastCases uint64

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			cases := stats.cases.Load()
			instrs := stats.instrs.Load()
			fcps := float64(cases-lastCases) / interval.Seconds()
			lastCases = cases

			covPct := 0.0
			if cov != nil && cov.Len() > 0 {
				covPct = 100 * float64(cov.FillCount()) / float64(cov.Len())
			}

			fmt.Printf("[%8.1fs] cases %10d | fcps %8.1f | Minsn/s %8.2f | "+
				"coverage %6.2f%% | crashes %6d | corpus %6d\n",
				elapsed, cases, fcps, float64(instrs)/elapsed/1_000_000,
				covPct, cp.CrashCount(), cp.InputCount())
		}
	}
}
