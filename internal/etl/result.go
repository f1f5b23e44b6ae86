package etl

import "time"

// Status is the outcome of a single stage execution.
type Status int

const (
	Success Status = iota
	Failure
)

func (s Status) String() string {
	if s == Success {
		return "success"
	}
	return "failure"
}

// StageResult is the immutable outcome of one stage execution. A failed result
// always carries an *Error; a successful one never does.
type StageResult struct {
	status     Status
	payload    any
	startedAt  time.Time
	finishedAt time.Time
	err        *Error
}

// Succeeded returns a successful result finished now.
func Succeeded(payload any, startedAt time.Time) StageResult {
	return StageResult{
		status:     Success,
		payload:    payload,
		startedAt:  startedAt,
		finishedAt: time.Now(),
	}
}

// Failed returns a failed result finished now. A nil err is replaced by a
// Fatal error so the result never loses its failure detail.
func Failed(err *Error, startedAt time.Time) StageResult {
	if err == nil {
		err = NewError(Fatal, "stage failed without error detail")
	}
	return StageResult{
		status:     Failure,
		startedAt:  startedAt,
		finishedAt: time.Now(),
		err:        err,
	}
}

func (r StageResult) Status() Status        { return r.status }
func (r StageResult) OK() bool              { return r.status == Success }
func (r StageResult) Payload() any          { return r.payload }
func (r StageResult) StartedAt() time.Time  { return r.startedAt }
func (r StageResult) FinishedAt() time.Time { return r.finishedAt }
func (r StageResult) Err() *Error           { return r.err }

// Duration is the wall time between start and finish.
func (r StageResult) Duration() time.Duration {
	return r.finishedAt.Sub(r.startedAt)
}

// NamedResult pairs a stage name with its result, in execution order.
type NamedResult struct {
	Stage  string
	Result StageResult
}
