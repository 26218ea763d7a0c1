package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rv64fuzz/rv64fuzz/internal/corpus"
	"github.com/rv64fuzz/rv64fuzz/internal/emulator"
	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	rv64syscalls "github.com/rv64fuzz/rv64fuzz/internal/syscalls"
)

func newFuzzCmd() *cobra.Command {
	var flags targetFlags
	var corpusDir string
	var seedDir string
	var workers int
	var statsInterval time.Duration
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "fuzz <binary>",
		Short: "Run the coverage-guided fuzzing loop against a target binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFuzz(args[0], flags, corpusDir, seedDir, workers, statsInterval, duration)
		},
	}
	addTargetFlags(cmd.Flags(), &flags)
	cmd.Flags().StringVar(&corpusDir, "corpus", "corpus", "directory to persist inputs and crashes under")
	cmd.Flags().StringVar(&seedDir, "seeds", "", "directory of seed inputs to prime the corpus with (optional)")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "number of parallel fuzzing workers")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Second, "interval between stats lines")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = run until interrupted)")
	return cmd
}

func runFuzz(binaryPath string, flags targetFlags, corpusDir, seedDir string, workers int, statsInterval, duration time.Duration) error {
	target, err := loadTarget(binaryPath, flags, []string{binaryPath})
	if err != nil {
		return fmt.Errorf("fuzz: %w", err)
	}

	cp, err := corpus.New(corpusDir)
	if err != nil {
		return fmt.Errorf("fuzz: %w", err)
	}

	seeds, err := loadSeeds(seedDir)
	if err != nil {
		return fmt.Errorf("fuzz: %w", err)
	}
	if len(seeds) == 0 {
		seeds = [][]byte{{0}}
	}
	for _, s := range seeds {
		if _, err := cp.AddInput(s); err != nil {
			return fmt.Errorf("fuzz: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if duration > 0 {
		var durCancel context.CancelFunc
		ctx, durCancel = context.WithTimeout(ctx, duration)
		defer durCancel()
	}

	stats := &statistics{}
	stop := make(chan struct{})
	go reportStats(stats, target.Cov, cp, statsInterval, stop)

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			fuzzWorker(ctx, target.Golden, cp, seeds[id%len(seeds)], stats)
		}(id)
	}
	wg.Wait()
	close(stop)

	fmt.Printf("stopped: %d cases, %d inputs, %d unique crashes\n",
		stats.cases.Load(), cp.InputCount(), cp.CrashCount())
	return nil
}

// loadSeeds reads every regular file under dir as a seed input. An empty
// dir is not an error: the caller falls back to a single trivial seed.
func loadSeeds(dir string) ([][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir %s: %w", dir, err)
	}
	var seeds [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}

// edgeTrackingSink reports whether any run hit a previously unseen
// coverage edge, the signal fuzzWorker uses to decide an input earned its
// place in the corpus, in the vein of the original harness's
// keep-on-new-coverage rule.
type edgeTrackingSink struct {
	hit bool
}

func (s *edgeTrackingSink) NoteEdge(from, to uint64) { s.hit = true }

// fuzzWorker runs one golden-emulator fork through a mutate/reset/execute
// cycle until ctx is cancelled, dispatching syscall exits through a
// per-worker syscall table and recording crashes and coverage-gaining
// inputs into the shared corpus.
func fuzzWorker(ctx context.Context, golden *emulator.Emulator, cp *corpus.Corpus, seed []byte, stats *statistics) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))
	table := rv64syscalls.NewTable()
	emu := golden.Fork()
	input := append([]byte(nil), seed...)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input = mutate(rng, input)

		for r := 1; r < 32; r++ {
			emu.SetReg(r, golden.Reg(r))
		}
		emu.Guest.SetPC(golden.Guest.PC())
		emu.Reset(golden)
		table.Reset(input)

		sink := &edgeTrackingSink{}
		exit := runOne(emu, table, sink)

		stats.instrs.Add(emu.Guest.InstrsExeced)
		stats.cases.Add(1)

		if exit.IsCrash() {
			isNew, err := cp.NoteCrash(exit, input)
			if err == nil && isNew {
				_, _ = cp.AddInput(input)
			}
			continue
		}
		if sink.hit {
			_, _ = cp.AddInput(input)
		}
	}
}

// runOne drives a single test case to completion, dispatching every
// Syscall exit through table and resuming just past the ecall, the way the
// original harness's worker loop advances PC by one instruction after
// handling a trapped syscall.
func runOne(e *emulator.Emulator, table *rv64syscalls.Table, sink emulator.CoverageSink) exitreason.Exit {
	for {
		exit := e.Run(sink)
		if exit.Kind != exitreason.Syscall {
			return exit
		}
		if err := table.Handle(e.Guest); err != nil {
			if fault, ok := err.(*exitreason.Fault); ok {
				return fault.Exit
			}
			return exitreason.Exit{Kind: exitreason.InvalidOpcode, ReentryPC: exit.ReentryPC}
		}
		e.Guest.SetPC(exit.ReentryPC + 4)
	}
}
