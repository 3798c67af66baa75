// Package signal executes trusted signal scripts concurrently and
// merges their results into the evaluation input, per the Signal
// Runner component design.
package signal

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cupcake-engine/cupcake/core/config"
	"github.com/cupcake-engine/cupcake/core/internal/procexec"
	"github.com/cupcake-engine/cupcake/core/trust"
)

// maxConcurrentSignals bounds the fan-out so a routing directive
// naming an unreasonable number of signals cannot exhaust process
// resources; real rulebooks name a handful of signals per policy.
const maxConcurrentSignals = 16

// Runner collects named signals, trust-verifying each before
// execution and merging results into a single map keyed by name.
type Runner struct {
	rulebook *config.Rulebook
	trust    *trust.Store
}

// New creates a Runner backed by rulebook (for per-signal timeouts)
// and store (for trust verification).
func New(rulebook *config.Rulebook, store *trust.Store) *Runner {
	return &Runner{rulebook: rulebook, trust: store}
}

// Collect runs every name in names concurrently and returns the merged
// result map. It never returns an error: a per-signal failure (trust
// verification, timeout, non-zero exit) is represented in-band as
// {"error": "..."} for that name, never as a failure of Collect
// itself, per §7's SignalError policy. Signals execute fully in
// parallel; Collect returns only once every signal has completed or
// timed out, so no ordering between them can leak into the merged
// result — it is merged by name into one object, never as a list.
func (r *Runner) Collect(ctx context.Context, event map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(names))
	if len(names) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSignals)

	for _, name := range names {
		name := name
		def, ok := r.rulebook.Signals[name]
		if !ok {
			mu.Lock()
			out[name] = errValue("unknown signal")
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			v := r.run(gCtx, name, def, event)
			mu.Lock()
			out[name] = v
			mu.Unlock()
			return nil
		})
	}

	// Collect never propagates a group error: every failure is
	// captured in-band by r.run, so g.Wait's return is always nil.
	_ = g.Wait()
	return out
}

func (r *Runner) run(ctx context.Context, name string, def config.SignalDef, event map[string]any) any {
	source := def.Command
	if def.File != "" {
		source = def.File
	}

	if err := r.trust.Verify(source); err != nil {
		return errValue("trust verification failed")
	}

	if def.File != "" {
		return r.readFile(def.File)
	}
	return r.runCommand(ctx, name, def, event)
}

func (r *Runner) readFile(path string) any {
	data, err := os.ReadFile(path)
	if err != nil {
		return errValue("read failed")
	}
	return parseOutput(data)
}

func (r *Runner) runCommand(ctx context.Context, name string, def config.SignalDef, event map[string]any) any {
	payload, err := json.Marshal(event)
	if err != nil {
		return errValue("encode event failed")
	}

	timeout := time.Duration(r.rulebook.SignalTimeout(name)) * time.Millisecond
	res := procexec.Run(ctx, def.Command, nil, payload, timeout)
	if res.TimedOut {
		return errValue("timeout")
	}
	if res.Err != nil {
		return errValue("command failed")
	}
	return parseOutput(res.Stdout)
}

// parseOutput parses stdout as JSON if possible, else keeps it as a
// trimmed string.
func parseOutput(data []byte) any {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return trimmed
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}

func errValue(msg string) map[string]any {
	return map[string]any{"error": msg}
}
