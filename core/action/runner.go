// Package action executes trust-verified action scripts triggered by
// a synthesized decision, per the Action Runner component design.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cupcake-engine/cupcake/core/config"
	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
	"github.com/cupcake-engine/cupcake/core/internal/procexec"
	"github.com/cupcake-engine/cupcake/core/synth"
	"github.com/cupcake-engine/cupcake/core/trust"
)

const maxConcurrentActions = 16

var (
	errUnknownAction = errors.New("no such action in rulebook")
	errActionTimeout = errors.New("timeout")
)

// Result records one action's outcome for logging. Nothing in this
// package, and nothing the caller does with a Result, may alter an
// already-synthesized Decision.
type Result struct {
	Name     string
	ExitCode int
	Err      error
}

// Runner locates, trust-verifies, and spawns actions named by a
// synthesized decision.
type Runner struct {
	rulebook *config.Rulebook
	trust    *trust.Store
	log      *slog.Logger
}

// New creates a Runner backed by rulebook (for per-action timeouts)
// and store (for trust verification). A nil logger uses slog.Default.
func New(rulebook *config.Rulebook, store *trust.Store, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{rulebook: rulebook, trust: store, log: log}
}

// Run executes every named action concurrently with the decision
// payload on stdin, enforcing each action's timeout. Output is
// discarded; exit codes are logged. The returned results are for
// observability only — this call cannot retroactively change decision.
func (r *Runner) Run(ctx context.Context, decision synth.Decision, names []string) []Result {
	if len(names) == 0 {
		return nil
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		r.log.Error("encode action payload", "error", err)
		return nil
	}

	results := make([]Result, len(names))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentActions)

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = r.run(gCtx, name, payload)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.Err != nil {
			r.log.Warn("action failed", "action", res.Name, "exit_code", res.ExitCode, "error", res.Err)
		} else {
			r.log.Info("action completed", "action", res.Name, "exit_code", res.ExitCode)
		}
	}
	return results
}

func (r *Runner) run(ctx context.Context, name string, payload []byte) Result {
	def, ok := r.rulebook.Actions[name]
	if !ok {
		return Result{Name: name, Err: cupcakeerr.NewActionError(name, errUnknownAction)}
	}

	if err := r.trust.Verify(def.Command); err != nil {
		return Result{Name: name, Err: cupcakeerr.NewActionError(name, err)}
	}

	timeout := time.Duration(r.rulebook.ActionTimeout(name)) * time.Millisecond
	res := procexec.Run(ctx, def.Command, nil, payload, timeout)
	if res.TimedOut {
		return Result{Name: name, Err: cupcakeerr.NewActionError(name, errActionTimeout)}
	}
	if res.Err != nil {
		return Result{Name: name, ExitCode: res.ExitCode, Err: cupcakeerr.NewActionError(name, res.Err)}
	}
	return Result{Name: name, ExitCode: res.ExitCode}
}
