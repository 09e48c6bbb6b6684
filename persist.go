package grants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/semaphore"
	yall "yall.in"
)

// DefaultFetchTimeout bounds how long Sync waits on the Fetcher.
const DefaultFetchTimeout = 30 * time.Second

// State is the stage a Persister's current or most recent run is in.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Result summarizes a persist run.
type Result struct {
	RunID      string        `json:"run_id"`
	Added      int           `json:"added"`
	Duplicates int           `json:"duplicates"`
	Invalid    []RecordError `json:"-"`
}

// InvalidErr returns the run's validation failures as a single error, or nil.
func (r Result) InvalidErr() error {
	return CombineRecordErrors(r.Invalid)
}

// Persister drives fetch, normalize, validate, and persist runs against a
// single store. Only one run may be in flight at a time.
type Persister struct {
	Deps         Dependencies
	Fetcher      Fetcher
	FetchTimeout time.Duration

	sem *semaphore.Weighted

	mu    sync.Mutex
	state State
	last  Result
	err   error
}

// NewPersister returns a Persister ready for use. fetcher may be nil if Sync
// will never be called.
func NewPersister(deps Dependencies, fetcher Fetcher, fetchTimeout time.Duration) *Persister {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Persister{
		Deps:         deps,
		Fetcher:      fetcher,
		FetchTimeout: fetchTimeout,
		sem:          semaphore.NewWeighted(1),
		state:        StateIdle,
	}
}

// State returns the stage of the current or most recent run.
func (p *Persister) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastResult returns the result and error of the most recently finished run.
func (p *Persister) LastResult() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.err
}

func (p *Persister) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Persister) finish(log *yall.Logger, res Result, err error) (Result, error) {
	p.mu.Lock()
	p.last, p.err = res, err
	if err != nil {
		p.state = StateFailed
	} else {
		p.state = StateDone
	}
	p.mu.Unlock()

	outcome := "done"
	switch {
	case errors.Is(err, ErrFetchTimeout):
		outcome = "fetch_timeout"
	case errors.Is(err, ErrFetchFailed):
		outcome = "fetch_failed"
	case err != nil:
		outcome = "failed"
	}
	runsTotal.WithLabelValues(outcome).Inc()

	log = log.WithField("added", res.Added).WithField("duplicates", res.Duplicates).WithField("invalid", len(res.Invalid))
	if err != nil {
		log.WithError(err).Error("Persist run failed.")
	} else {
		log.Info("Persist run finished.")
	}
	return res, err
}

func (p *Persister) begin(ctx context.Context) (context.Context, Result, error) {
	if !p.sem.TryAcquire(1) {
		runsTotal.WithLabelValues("rejected").Inc()
		return ctx, Result{}, ErrPersistInProgress
	}
	runID, err := uuid.GenerateUUID()
	if err != nil {
		p.sem.Release(1)
		return ctx, Result{}, err
	}
	log := p.Deps.logger(ctx).WithField("run_id", runID)
	return yall.InContext(ctx, log), Result{RunID: runID}, nil
}

// Persist validates records and stores the valid ones. Invalid records are
// reported in the Result without stopping the rest of the batch. The first
// storage error aborts the run; records stored before it remain stored.
func (p *Persister) Persist(ctx context.Context, records []Record) (Result, error) {
	ctx, res, err := p.begin(ctx)
	if err != nil {
		return res, err
	}
	defer p.sem.Release(1)

	res, err = p.persist(ctx, res, records)
	return p.finish(p.Deps.logger(ctx), res, err)
}

// Sync fetches a fresh snapshot of address's grants on chainID and persists
// it. If the fetch fails or doesn't finish within FetchTimeout, nothing is
// persisted.
func (p *Persister) Sync(ctx context.Context, address, chainID string) (Result, error) {
	ctx, res, err := p.begin(ctx)
	if err != nil {
		return res, err
	}
	defer p.sem.Release(1)
	log := p.Deps.logger(ctx).WithField("address", address).WithField("chain_id", chainID)

	if p.Fetcher == nil {
		return p.finish(log, res, fmt.Errorf("%w: no chain-query collaborator configured", ErrFetchFailed))
	}

	p.setState(StateFetching)
	snapshot, err := p.fetch(ctx, address, chainID)
	if err != nil {
		return p.finish(log, res, err)
	}

	p.setState(StateNormalizing)
	records := NormalizeAll(snapshot)
	log.WithField("records", len(records)).Debug("Normalized chain grants.")

	res, err = p.persist(ctx, res, records)
	return p.finish(log, res, err)
}

type fetchResult struct {
	grants ChainGrants
	err    error
}

func (p *Persister) fetch(ctx context.Context, address, chainID string) (ChainGrants, error) {
	ctx, cancel := context.WithTimeout(ctx, p.FetchTimeout)
	defer cancel()

	start := time.Now()
	defer func() { fetchDuration.Observe(time.Since(start).Seconds()) }()

	results := make(chan fetchResult, 1)
	go func() {
		grants, err := p.Fetcher.FetchGrants(ctx, address, chainID)
		results <- fetchResult{grants: grants, err: err}
	}()

	select {
	case res := <-results:
		if res.err == nil {
			return res.grants, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return ChainGrants{}, fmt.Errorf("%w: %w", ErrFetchTimeout, res.err)
		}
		return ChainGrants{}, fmt.Errorf("%w: %w", ErrFetchFailed, res.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ChainGrants{}, fmt.Errorf("%w after %s", ErrFetchTimeout, p.FetchTimeout)
		}
		return ChainGrants{}, fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
	}
}

func (p *Persister) persist(ctx context.Context, res Result, records []Record) (Result, error) {
	log := p.Deps.logger(ctx)

	p.setState(StateNormalizing)
	indexes := map[Role]int{}
	var valid []Record
	for _, record := range records {
		idx := indexes[record.Role]
		indexes[record.Role]++
		if err := ValidateRecord(record); err != nil {
			var recErr RecordError
			if !errors.As(err, &recErr) {
				recErr = RecordError{Role: record.Role, Field: "record", Reason: err.Error()}
			}
			recErr.Index = idx
			res.Invalid = append(res.Invalid, recErr)
			recordsTotal.WithLabelValues(record.Role.PartitionName(), "invalid").Inc()
			log.WithField("partition", record.Role.PartitionName()).WithField("index", idx).
				WithField("field", recErr.Field).Warn("Skipping invalid grant record.")
			continue
		}
		valid = append(valid, record)
	}

	p.setState(StatePersisting)
	for _, role := range Roles {
		for _, record := range valid {
			if record.Role != role {
				continue
			}
			added, err := p.Deps.AddGrant(ctx, role, record)
			if err != nil {
				recordsTotal.WithLabelValues(role.PartitionName(), "failed").Inc()
				return res, err
			}
			if added {
				res.Added++
				recordsTotal.WithLabelValues(role.PartitionName(), "added").Inc()
			} else {
				res.Duplicates++
				recordsTotal.WithLabelValues(role.PartitionName(), "duplicate").Inc()
			}
		}
	}
	return res, nil
}
