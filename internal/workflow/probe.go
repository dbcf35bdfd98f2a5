package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deixis/shardbench/internal/grid"
	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/report"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Step is one load tried during a search.
type Step struct {
	Ops    int
	Passed bool
}

// Probe searches for the highest offered load a configuration sustains.
// It assumes success does not increase with load.
type Probe struct {
	// Run makes one trial at ops. A false result with a nil error is a
	// failed trial; an error aborts the search.
	Run   func(ctx context.Context, ops int) (bool, error)
	Tries int // trials per load, all must pass
	Gap   int // search stops once high-low is at most Gap
	Log   zerolog.Logger
}

// TryN runs Tries trials at ops and reports whether every one passed.
// It stops at the first failed trial.
func (p *Probe) TryN(ctx context.Context, ops int) (bool, error) {
	tries := max(p.Tries, 1)
	for i := range tries {
		ok, err := p.Run(ctx, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			p.Log.Info().Int("ops", ops).Int("try", i+1).Msg("trial failed")
			return false, nil
		}
	}
	return true, nil
}

// Search returns the highest load known to pass, starting from a low
// bound assumed to pass. A high of 0 means no known failing bound: the
// load doubles until a trial fails. The bounds are then bisected.
func (p *Probe) Search(ctx context.Context, low, high int) (int, []Step, error) {
	if low <= 0 {
		return 0, nil, fmt.Errorf("low bound must be positive, got %d", low)
	}
	if high != 0 && high <= low {
		return 0, nil, fmt.Errorf("high bound %d must exceed low bound %d", high, low)
	}
	var steps []Step
	try := func(ops int) (bool, error) {
		ok, err := p.TryN(ctx, ops)
		if err != nil {
			return false, err
		}
		steps = append(steps, Step{Ops: ops, Passed: ok})
		p.Log.Info().Int("ops", ops).Bool("passed", ok).Int("low", low).Int("high", high).Msg("probe step")
		return ok, nil
	}

	for high == 0 {
		ok, err := try(low * 2)
		if err != nil {
			return low, steps, err
		}
		if ok {
			low *= 2
		} else {
			high = low * 2
		}
	}

	for high-low > p.Gap {
		mid := low + (high-low)/2
		ok, err := try(mid)
		if err != nil {
			return low, steps, err
		}
		if ok {
			low = mid
		} else {
			high = mid
		}
	}
	return low, steps, nil
}

// Trial runs p at ops and reports whether the run completed with its
// first client data file collected. Trials always overwrite, since
// repeated tries at one load share a key. Command failures of the run
// itself count as a failed trial.
func (e *Engine) Trial(ctx context.Context, p grid.Point, ops int) (bool, error) {
	p.Ops = ops
	run := *e
	run.Overwrite = true
	out, err := run.RunPoint(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if trialFailure(err) {
			e.Log.Warn().Err(err).Int("ops", ops).Msg("trial run failed")
			return false, nil
		}
		return false, err
	}
	data := p.FirstClientData(e.OutDir, e.Fleet.Clients[0].Host().Addr)
	for _, m := range out.Missing {
		if m == data {
			return false, nil
		}
	}
	return true, nil
}

// trialFailure reports whether err means the load was not sustained
// rather than that the fleet is broken.
func trialFailure(err error) bool {
	var check *remote.CheckError
	var missing *remote.ProcessMissingError
	var priming *PrimingError
	return errors.As(err, &check) || errors.As(err, &missing) || errors.As(err, &priming)
}

// ProbePoint searches the capacity of p between low and high and records
// the result in the ledger.
func (e *Engine) ProbePoint(ctx context.Context, pr *Probe, p grid.Point, low, high int) (int, []Step, error) {
	if pr.Run == nil {
		pr.Run = func(ctx context.Context, ops int) (bool, error) {
			return e.Trial(ctx, p, ops)
		}
	}
	started := time.Now()
	capacity, steps, err := pr.Search(ctx, low, high)
	if e.Store != nil {
		p.Ops = 0
		rec := &report.RunRecord{
			ID:          uuid.New().String(),
			Kind:        report.Probe,
			Key:         p.Key(),
			Datapath:    string(p.Datapath),
			Shards:      p.Shards,
			ShardType:   string(p.ShardType),
			Poisson:     p.Poisson,
			ClientBatch: p.ClientBatch,
			ServerBatch: p.ServerBatch,
			StackFrag:   p.StackFrag,
			Workload:    p.Workload,
			Iter:        p.Iter,
			Low:         low,
			High:        high,
			Capacity:    capacity,
			Revision:    e.Fleet.Revision,
			Started:     started,
			Finished:    time.Now(),
		}
		for _, s := range steps {
			rec.Steps = append(rec.Steps, report.ProbeStep{Ops: s.Ops, Passed: s.Passed})
		}
		if err != nil {
			rec.Err = err.Error()
		}
		if serr := e.Store.Save(rec); serr != nil {
			e.Log.Warn().Err(serr).Msg("saving probe record")
		}
	}
	return capacity, steps, err
}
