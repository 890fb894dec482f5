// Package durable memoizes named workflow steps so that re-running a
// whole workflow after a crash or retry replays prior step results
// instead of repeating side effects. Records are keyed by (run id, step
// name) and written to bbolt, so they survive process restart.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ErrNoRecord is returned by lookups when a step has no memoized result.
var ErrNoRecord = errors.New("no step record")

var stepsBucket = []byte("steps")

// record is the persisted outcome of one step execution. Only
// successful results memoize; an error record marks a failed attempt
// and is overwritten when a retry completes the step.
type record struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Runner binds a bbolt database to one run identifier. All steps of a
// run share a Runner; a run id is never legitimately processed by two
// workers at once, so the only concurrency guarded here is in-process
// retries of the same run.
type Runner struct {
	db    *bolt.DB
	runID string

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewRunner creates a step runner for the given run.
func NewRunner(db *bolt.DB, runID string) *Runner {
	return &Runner{
		db:       db,
		runID:    runID,
		inflight: make(map[string]*sync.Mutex),
	}
}

// RunID returns the run identifier the runner is bound to.
func (r *Runner) RunID() string { return r.runID }

// stepLock returns the per-step mutex, creating it on first use.
func (r *Runner) stepLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.inflight[name]
	if !ok {
		l = &sync.Mutex{}
		r.inflight[name] = l
	}
	return l
}

// get loads the record for a step, or ErrNoRecord.
func (r *Runner) get(name string) (*record, error) {
	var rec *record
	err := r.db.View(func(tx *bolt.Tx) error {
		steps := tx.Bucket(stepsBucket)
		if steps == nil {
			return ErrNoRecord
		}
		run := steps.Bucket([]byte(r.runID))
		if run == nil {
			return ErrNoRecord
		}
		data := run.Get([]byte(name))
		if data == nil {
			return ErrNoRecord
		}
		rec = &record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// put writes a step record. A successful record is first-writer-wins:
// once a success is stored it is never replaced, and put returns the
// stored record. Error records only fill empty or previously failed
// slots.
func (r *Runner) put(name string, rec *record) (*record, error) {
	stored := rec
	err := r.db.Update(func(tx *bolt.Tx) error {
		steps, err := tx.CreateBucketIfNotExists(stepsBucket)
		if err != nil {
			return err
		}
		run, err := steps.CreateBucketIfNotExists([]byte(r.runID))
		if err != nil {
			return err
		}
		if existing := run.Get([]byte(name)); existing != nil {
			prior := &record{}
			if err := json.Unmarshal(existing, prior); err != nil {
				return err
			}
			if prior.Error == "" {
				stored = prior
				return nil
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return run.Put([]byte(name), data)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Do executes fn for the named step at most once per run. The first
// completed call durably records its result; every later call with the
// same name — including crash-recovery replays of the whole run —
// decodes the record without invoking fn. A failed attempt leaves an
// error record behind but does not memoize: retrying the run
// re-executes exactly the steps that never completed.
func Do[T any](ctx context.Context, r *Runner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	lock := r.stepLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.get(name)
	if err != nil && !errors.Is(err, ErrNoRecord) {
		return zero, fmt.Errorf("step %s: load record: %w", name, err)
	}

	if rec == nil || rec.Error != "" {
		result, fnErr := fn(ctx)
		if fnErr != nil {
			if _, err := r.put(name, &record{Error: fnErr.Error()}); err != nil {
				return zero, fmt.Errorf("step %s: record failure: %w", name, err)
			}
			return zero, fmt.Errorf("step %s: %w", name, fnErr)
		}
		data, err := json.Marshal(result)
		if err != nil {
			return zero, fmt.Errorf("step %s: encode result: %w", name, err)
		}
		rec, err = r.put(name, &record{Result: data})
		if err != nil {
			return zero, fmt.Errorf("step %s: record: %w", name, err)
		}
	}

	var out T
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return zero, fmt.Errorf("step %s: decode result: %w", name, err)
	}
	return out, nil
}
