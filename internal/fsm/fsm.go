// Package fsm is the generic, resumable transition engine that backs the
// snapshot lifecycle manager (spec §4.E, component E). Its call-site
// contract — Register/Start/To/End/Build, Request/Response, Handoff/Abort,
// RetryFromContext — mirrors the one the teacher's own domain FSMs
// (activate, download, unpack) were written against; this package provides
// the engine itself, durable via bbolt so a crashed or restarted run can
// resume from its last completed transition instead of starting over.
package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("fsm_runs")

// RunID identifies one execution of a machine, durable across restarts.
type RunID string

// ErrHandoff signals that a transition wants to pause the run here and be
// retried later (e.g. by a subsequent daemon tick), without counting as a
// failure. Build persists progress up to the prior transition and returns
// this error to the caller, who may resume later via RetryFromContext.
var ErrHandoff = errors.New("fsm: handoff")

// ErrAbort signals that the run should stop permanently; Build marks the
// run aborted and returns this error wrapped with the transition's reason.
var ErrAbort = errors.New("fsm: aborted")

// Handoff wraps reason as an ErrHandoff.
func Handoff(reason string) error { return fmt.Errorf("%s: %w", reason, ErrHandoff) }

// Abort wraps reason as an ErrAbort.
func Abort(reason string) error { return fmt.Errorf("%s: %w", reason, ErrAbort) }

type runIDKey struct{}

// WithRunID binds an existing run id into ctx so Build resumes that run
// instead of starting a new one.
func WithRunID(ctx context.Context, id RunID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RetryFromContext extracts a run id bound via WithRunID, if any.
func RetryFromContext(ctx context.Context) (RunID, bool) {
	id, ok := ctx.Value(runIDKey{}).(RunID)
	return id, ok
}

// Request is the input handed to a single transition.
type Request[S any] struct {
	RunID   RunID
	Machine string
	Step    string
	Attempt int
	State   S
}

// Response is a transition's output: the (possibly updated) shared state.
type Response[S any] struct {
	State S
}

// NewResponse is a small convenience constructor matching the teacher's
// call-site shape (fsm.NewResponse(state)).
func NewResponse[S any](state S) Response[S] { return Response[S]{State: state} }

// Transition is one named step in a machine.
type Transition[S any] func(ctx context.Context, req Request[S]) (Response[S], error)

type namedTransition[S any] struct {
	name       string
	fn         Transition[S]
	maxRetries int
}

// Manager owns the durable run store.
type Manager struct {
	db  *bolt.DB
	log *logrus.Entry
}

// NewManager opens (creating if necessary) the fsm run bucket in db.
func NewManager(db *bolt.DB, log *logrus.Logger) (*Manager, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("fsm: initializing run bucket: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Manager{db: db, log: log.WithField("component", "fsm")}, nil
}

type persistedRun struct {
	Machine   string          `json:"machine"`
	Step      int             `json:"step"`
	State     json.RawMessage `json:"state"`
	Completed bool            `json:"completed"`
	Aborted   bool            `json:"aborted"`
}

func runKey(machine string, id RunID) []byte {
	return []byte(fmt.Sprintf("%s/%s", machine, id))
}

func (m *Manager) loadRun(machine string, id RunID) (*persistedRun, bool, error) {
	var run persistedRun
	found := false
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(runsBucket).Get(runKey(machine, id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &run)
	})
	if err != nil {
		return nil, false, err
	}
	return &run, found, nil
}

func (m *Manager) saveRun(machine string, id RunID, run *persistedRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("fsm: encoding run state: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(runKey(machine, id), raw)
	})
}

// Builder assembles a machine's ordered transitions.
type Builder[S any] struct {
	m           *Manager
	machine     string
	transitions []namedTransition[S]
}

// Register starts building a machine named `machine` against manager m.
// The generic parameter S is the shared, JSON-serializable state threaded
// through every transition (the teacher's per-machine Dependencies +
// in-flight result struct, combined into one type here for durability).
func Register[S any](m *Manager, machine string) *Builder[S] {
	return &Builder[S]{m: m, machine: machine}
}

// Start registers the first transition.
func (b *Builder[S]) Start(name string, fn Transition[S]) *Builder[S] {
	return b.To(name, fn)
}

// To appends a transition, defaulting to 3 attempts in total on ordinary
// errors.
func (b *Builder[S]) To(name string, fn Transition[S]) *Builder[S] {
	b.transitions = append(b.transitions, namedTransition[S]{name: name, fn: fn, maxRetries: 3})
	return b
}

// WithRetries overrides the most recently added transition's retry budget.
func (b *Builder[S]) WithRetries(n int) *Builder[S] {
	if len(b.transitions) > 0 {
		b.transitions[len(b.transitions)-1].maxRetries = n
	}
	return b
}

// End marks the terminal step name; purely documentary (its fn, if any,
// was already appended via To), matching the teacher's
// `.End("complete")` call-site shape. If name doesn't match the last
// registered transition's name this is still accepted — End does not
// itself register a transition.
func (b *Builder[S]) End(name string) *Builder[S] {
	return b
}

// Build runs (or resumes) the machine to completion and returns the final
// state. If ctx carries a run id via WithRunID, Build resumes that run
// from its last completed transition; otherwise it starts a fresh run
// with a ulid-derived id.
func (b *Builder[S]) Build(ctx context.Context, initial S) (S, RunID, error) {
	id, resuming := RetryFromContext(ctx)
	if !resuming {
		id = RunID(ulid.Make().String())
	}

	state := initial
	startIdx := 0

	if resuming {
		run, found, err := b.m.loadRun(b.machine, id)
		if err != nil {
			return state, id, fmt.Errorf("fsm: loading run %s/%s: %w", b.machine, id, err)
		}
		if found {
			if run.Aborted {
				return state, id, fmt.Errorf("fsm: run %s/%s was previously aborted: %w", b.machine, id, ErrAbort)
			}
			if run.Completed {
				if err := json.Unmarshal(run.State, &state); err != nil {
					return state, id, fmt.Errorf("fsm: decoding completed run state: %w", err)
				}
				return state, id, nil
			}
			if err := json.Unmarshal(run.State, &state); err != nil {
				return state, id, fmt.Errorf("fsm: decoding run state: %w", err)
			}
			startIdx = run.Step
		}
	}

	for i := startIdx; i < len(b.transitions); i++ {
		t := b.transitions[i]
		var resp Response[S]
		var err error
		for attempt := 1; attempt <= t.maxRetries; attempt++ {
			resp, err = t.fn(ctx, Request[S]{RunID: id, Machine: b.machine, Step: t.name, Attempt: attempt, State: state})
			if err == nil {
				break
			}
			if errors.Is(err, ErrAbort) {
				_ = b.persist(id, i, state, false, true)
				return state, id, err
			}
			if errors.Is(err, ErrHandoff) {
				_ = b.persist(id, i, state, false, false)
				return state, id, err
			}
			b.m.log.WithFields(logrus.Fields{"machine": b.machine, "step": t.name, "attempt": attempt}).WithError(err).Warn("transition attempt failed, retrying")
		}
		if err != nil {
			_ = b.persist(id, i, state, false, false)
			return state, id, fmt.Errorf("fsm: transition %q failed after %d attempts: %w", t.name, t.maxRetries, err)
		}
		state = resp.State
		if err := b.persist(id, i+1, state, false, false); err != nil {
			return state, id, err
		}
	}

	if err := b.persist(id, len(b.transitions), state, true, false); err != nil {
		return state, id, err
	}
	return state, id, nil
}

func (b *Builder[S]) persist(id RunID, step int, state S, completed, aborted bool) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("fsm: encoding state for persistence: %w", err)
	}
	return b.m.saveRun(b.machine, id, &persistedRun{Machine: b.machine, Step: step, State: raw, Completed: completed, Aborted: aborted})
}
