// Package corpus implements the external corpus data model: a hashed input
// set, a hashed crash set keyed by (pc, fault kind, address bucket), and
// atomic on-disk persistence of both. Inputs are one file per content hash;
// crashes are one file per unique (pc, fault_kind, addr_bucket) signature,
// so concurrent workers and concurrent runs sharing a directory converge on
// the same crash set instead of piling up duplicates.
package corpus

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/rv64fuzz/rv64fuzz/internal/exitreason"
	"github.com/rv64fuzz/rv64fuzz/internal/logging"
)

// RunID uniquely identifies one fuzzing run for log attribution. It plays
// no part in crash or input file names: those are content- and
// signature-addressed so that two runs sharing a corpus directory converge
// on the same files rather than diverging.
type RunID string

// NewRunID generates a fresh RunID.
func NewRunID() RunID { return RunID(uuid.New().String()) }

// CrashKey deduplicates crashes by the triple the design calls out:
// faulting PC, exit kind, and coarse address bucket — not the exact
// faulting address, since ASLR-free deterministic replays still vary byte
// offsets within the same logical bug.
type CrashKey struct {
	PC     uint64
	Kind   exitreason.Kind
	Bucket exitreason.AddrBucket
}

func (k CrashKey) String() string {
	return fmt.Sprintf("%#x_%s_%s", k.PC, k.Kind, k.Bucket)
}

// Filename is the on-disk crash file name for this key: one file per
// unique (pc, fault_kind, addr_bucket) signature, per the persisted state
// layout.
func (k CrashKey) Filename() string {
	return k.String() + ".crash"
}

// Crash is one recorded crashing test case.
type Crash struct {
	Key   CrashKey
	Exit  exitreason.Exit
	Input []byte
}

// Corpus holds the hashed input set and the hashed crash set for one
// fuzzing run, plus the directory both are persisted under.
type Corpus struct {
	RunID RunID
	dir   string

	mu      sync.Mutex
	inputs  map[string][]byte // content hash -> input bytes
	crashes map[CrashKey]*Crash

	log *logging.Logger
}

// New creates a Corpus persisting under dir (created if missing). dir may
// be empty to keep everything in memory only (useful for tests).
func New(dir string) (*Corpus, error) {
	if dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, "inputs"), 0o755); err != nil {
			return nil, fmt.Errorf("corpus: create inputs dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(dir, "crashes"), 0o755); err != nil {
			return nil, fmt.Errorf("corpus: create crashes dir: %w", err)
		}
	}
	c := &Corpus{
		RunID:   NewRunID(),
		dir:     dir,
		inputs:  make(map[string][]byte),
		crashes: make(map[CrashKey]*Crash),
		log:     logging.L,
	}
	c.log.Info("corpus opened", zap.String("run_id", string(c.RunID)), zap.String("dir", dir))
	return c, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AddInput records input in the hashed input set if not already present,
// persisting it to dir/inputs/<hash> when persistence is enabled. Returns
// whether this was a new input.
func (c *Corpus) AddInput(input []byte) (bool, error) {
	hash := hashBytes(input)

	c.mu.Lock()
	if _, exists := c.inputs[hash]; exists {
		c.mu.Unlock()
		return false, nil
	}
	c.inputs[hash] = input
	c.mu.Unlock()

	if c.dir == "" {
		return true, nil
	}
	path := filepath.Join(c.dir, "inputs", hash)
	if err := atomic.WriteFile(path, bytes.NewReader(input)); err != nil {
		return true, fmt.Errorf("corpus: persist input %s: %w", hash, err)
	}
	return true, nil
}

// NoteCrash records a crash-class exit against its input, deduplicated by
// CrashKey. Returns whether this is a newly observed crash signature.
func (c *Corpus) NoteCrash(exit exitreason.Exit, input []byte) (bool, error) {
	key := CrashKey{PC: exit.ReentryPC, Kind: exit.Kind, Bucket: exit.Bucket()}

	c.mu.Lock()
	if _, exists := c.crashes[key]; exists {
		c.mu.Unlock()
		return false, nil
	}
	crash := &Crash{Key: key, Exit: exit, Input: input}
	c.crashes[key] = crash
	c.mu.Unlock()

	c.log.Fault(exit.Kind.String(), exit.Addr, exit.ReentryPC)

	if c.dir == "" {
		return true, nil
	}
	name := key.Filename()
	path := filepath.Join(c.dir, "crashes", name)
	if _, err := os.Stat(path); err == nil {
		return true, nil // already persisted by a prior run
	}
	if err := atomic.WriteFile(path, bytes.NewReader(input)); err != nil {
		return true, fmt.Errorf("corpus: persist crash %s: %w", name, err)
	}
	return true, nil
}

// InputCount reports the number of distinct inputs recorded so far.
func (c *Corpus) InputCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// CrashCount reports the number of distinct crash signatures recorded so
// far.
func (c *Corpus) CrashCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.crashes)
}

// Crashes returns a snapshot slice of every recorded crash, for the
// triage/replay tooling.
func (c *Corpus) Crashes() []*Crash {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Crash, 0, len(c.crashes))
	for _, cr := range c.crashes {
		out = append(out, cr)
	}
	return out
}
