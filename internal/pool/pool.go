package pool

import (
	"context"
	"sync"
	"time"

	"github.com/kristinday/ace/internal/constants"
	"github.com/kristinday/ace/internal/tracker"
)

// Report summarizes one run of the pool.
type Report struct {
	Dispatched int
	Done       int
	Blocked    int
	Failed     int
	// CycleErrors are dependency cycles found during selection. They do
	// not stop the pool but callers should surface them.
	CycleErrors []error
}

// Pool runs candidates through an injected executor with at most
// Concurrency in flight.
type Pool struct {
	Selector *Selector

	// Execute runs one candidate to its terminal state and returns its
	// coarse outcome. Must be safe for concurrent calls.
	Execute func(ctx context.Context, c Candidate) Outcome

	// Concurrency caps in-flight executions.
	Concurrency int

	// Drain makes Run exit once the backlog is empty instead of polling
	// forever.
	Drain bool

	// Limit stops dispatching after this many issues; zero means no limit.
	Limit int

	// PollInterval between tracker sweeps in continuous mode.
	PollInterval time.Duration

	Logf func(format string, args ...any)
}

// Outcome is the executor's report for one candidate.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeBlocked
	OutcomeFailed
	OutcomeSkipped
)

func (p *Pool) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

func (p *Pool) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return constants.TrackerPollInterval
}

// Run sweeps the tracker and dispatches candidates until the context is
// cancelled, the drain completes, or the limit is reached. Issues already
// dispatched this run are never re-dispatched, even if tracker lag makes
// them look ready again.
func (p *Pool) Run(ctx context.Context) (Report, error) {
	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = constants.DefaultConcurrency
	}

	var (
		mu        sync.Mutex
		report    Report
		wg        sync.WaitGroup
		slots     = make(chan struct{}, concurrency)
		processed = map[tracker.IssueID]bool{}
	)

	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case OutcomeDone:
			report.Done++
		case OutcomeBlocked:
			report.Blocked++
		case OutcomeFailed:
			report.Failed++
		}
	}

	for {
		candidates, cycles, err := p.sweep(ctx)
		if err != nil {
			wg.Wait()
			return report, err
		}
		report.CycleErrors = append(report.CycleErrors, cycles...)

		dispatched := 0
		for _, c := range candidates {
			if processed[c.Issue.ID] {
				continue
			}
			if p.Limit > 0 && report.Dispatched >= p.Limit {
				break
			}

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return report, ctx.Err()
			}

			processed[c.Issue.ID] = true
			report.Dispatched++
			dispatched++

			wg.Add(1)
			go func(c Candidate) {
				defer wg.Done()
				defer func() { <-slots }()
				record(p.Execute(ctx, c))
			}(c)
		}

		if p.Drain {
			if dispatched == 0 {
				wg.Wait()
				// A final sweep can reveal work unblocked by what just
				// finished; keep going until a sweep finds nothing with
				// nothing in flight.
				candidates, cycles, err := p.sweep(ctx)
				if err != nil {
					return report, err
				}
				report.CycleErrors = append(report.CycleErrors, cycles...)
				if !hasNew(candidates, processed) {
					return report, nil
				}
				continue
			}
			// Let in-flight work finish before re-sweeping so newly
			// unblocked dependents become visible.
			wg.Wait()
			continue
		}

		if p.Limit > 0 && report.Dispatched >= p.Limit {
			wg.Wait()
			return report, nil
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return report, ctx.Err()
		case <-time.After(p.pollInterval()):
		}
	}
}

func (p *Pool) sweep(ctx context.Context) ([]Candidate, []error, error) {
	ready, cycles, err := p.Selector.Ready(ctx)
	if err != nil {
		return nil, nil, err
	}
	resumable, err := p.Selector.Resumable(ctx)
	if err != nil {
		return nil, cycles, err
	}
	stale, err := p.Selector.Stale(ctx)
	if err != nil {
		return nil, cycles, err
	}
	// Resumes first: interrupted issues already have sunk cost sitting in
	// their workspaces.
	out := append(resumable, stale...)
	return append(out, ready...), cycles, nil
}

func hasNew(candidates []Candidate, processed map[tracker.IssueID]bool) bool {
	for _, c := range candidates {
		if !processed[c.Issue.ID] {
			return true
		}
	}
	return false
}
