package scenario

import "time"

// State is a position in the per-scenario state machine.
type State string

const (
	StateInit            State = "INIT"
	StateSessionAcquired State = "SESSION_ACQUIRED"
	StateStepRunning     State = "STEP_RUNNING"
	StateAsserting       State = "ASSERTING"
	StatePassed          State = "PASSED"
	StateFailed          State = "FAILED"
	StateTornDown        State = "TORN_DOWN"
)

// Outcome is what the invoking harness sees.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	// OutcomeFailed means an assertion did not hold.
	OutcomeFailed Outcome = "failed"
	// OutcomeError means a non-ignorable step or the infrastructure failed.
	OutcomeError Outcome = "error"
)

// IgnoredError records a failure an ignorable step or frame wait swallowed.
type IgnoredError struct {
	Step int // 1-based step index
	Kind string
	Err  string
}

// Result describes one scenario execution.
type Result struct {
	RunID           string
	Scenario        string
	Device          string
	Outcome         Outcome
	Err             error
	Trace           []State
	StepsRun        int
	Ignored         []IgnoredError
	FailedStep      int
	FailedAssertion string
	ArtifactURL     string
	TeardownErr     error
	StartedAt       time.Time
	Duration        time.Duration
}

// Passed reports whether the scenario passed.
func (r Result) Passed() bool {
	return r.Outcome == OutcomePassed
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}

func (r *Result) ignore(step int, kind string, err error) {
	r.Ignored = append(r.Ignored, IgnoredError{Step: step, Kind: kind, Err: err.Error()})
}
