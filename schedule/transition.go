package schedule

import (
	"time"

	"github.com/teranos/otto/errors"
)

// TransitionMode says what the store should do with a job after a run completes
type TransitionMode string

const (
	TransitionReschedule TransitionMode = "reschedule"
	TransitionFinalize   TransitionMode = "finalize"
)

// Transition is the computed next state of a job after a run completes.
// Exactly one of the two modes applies; NextRunAt is set for reschedule only.
type Transition struct {
	Mode           TransitionMode
	LastRunAt      time.Time
	NextRunAt      time.Time
	TerminalState  TerminalState
	TerminalReason string
}

// ResolveScheduleTransition computes the post-run state of a job.
//
// Scheduling policy is independent of execution outcome: a one-shot job is
// finalized as completed whether its run succeeded or failed (failure detail
// lives in the run row), and a recurring job is rescheduled one cadence ahead
// of the completion time. A recurring job without a valid cadence is a broken
// invariant and returns a configuration error rather than silently defaulting.
func ResolveScheduleTransition(job *Job, completedAt time.Time) (Transition, error) {
	switch job.ScheduleType {
	case ScheduleOneShot:
		return Transition{
			Mode:          TransitionFinalize,
			LastRunAt:     completedAt,
			TerminalState: TerminalCompleted,
		}, nil

	case ScheduleRecurring:
		if job.CadenceMinutes == nil || *job.CadenceMinutes < 1 {
			return Transition{}, errors.Wrapf(errors.ErrInvalidConfig,
				"recurring job %s has no valid cadence", job.ID)
		}
		return Transition{
			Mode:      TransitionReschedule,
			LastRunAt: completedAt,
			NextRunAt: completedAt.Add(time.Duration(*job.CadenceMinutes) * time.Minute),
		}, nil

	default:
		return Transition{}, errors.Wrapf(errors.ErrInvalidConfig,
			"job %s has unknown schedule type %q", job.ID, job.ScheduleType)
	}
}
