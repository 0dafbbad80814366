package tickframe

import (
	"time"

	"episodelog/pkg/episode"
	"episodelog/pkg/frame"
)

// TimeStepper derives a frame's episode-relative step. Results must be
// deterministic and non-decreasing within an episode.
type TimeStepper interface {
	Step(ep episode.Episode, f *frame.Frame) int64
}

// TimeStepperFunc adapts a function to TimeStepper.
type TimeStepperFunc func(ep episode.Episode, f *frame.Frame) int64

func (fn TimeStepperFunc) Step(ep episode.Episode, f *frame.Frame) int64 { return fn(ep, f) }

// CounterSteps numbers written frames 0, 1, 2, ... per episode.
func CounterSteps() TimeStepper {
	return TimeStepperFunc(func(ep episode.Episode, _ *frame.Frame) int64 {
		return ep.Frames
	})
}

// ClockSteps divides the time since episode start by tick, never going below
// the previous step of the episode.
func ClockSteps(tick time.Duration) TimeStepper {
	if tick <= 0 {
		tick = DefaultTickDuration
	}
	return TimeStepperFunc(func(ep episode.Episode, f *frame.Frame) int64 {
		step := int64(f.Timestamp().Sub(ep.StartedAt) / tick)
		if step < 0 {
			step = 0
		}
		if ep.Frames > 0 && step < ep.LastStep {
			step = ep.LastStep
		}
		return step
	})
}
