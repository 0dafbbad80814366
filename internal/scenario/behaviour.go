package scenario

import (
	"context"
	"fmt"

	"episodelog/pkg/frame"
	"episodelog/pkg/tickframe"
	"episodelog/pkg/value"
)

// Event types understood by the builtin handlers.
const (
	EventReward = "reward"
	EventGoal   = "goal"
	EventQuit   = "subject_quit"
)

// Body is the simulated subject handle passed to composers and handlers.
type Body struct {
	spec  SubjectSpec
	pos   Vec
	steps int64 // frames composed in the current episode
}

func newBody(spec SubjectSpec) *Body {
	return &Body{spec: spec, pos: spec.Start}
}

func (b *Body) ID() string { return b.spec.ID }

func (b *Body) Position() Vec { return b.pos }

func (b *Body) respawn() {
	b.pos = b.spec.Start
	b.steps = 0
}

func bodyOf(s tickframe.Subject) (*Body, error) {
	b, ok := s.(*Body)
	if !ok {
		return nil, fmt.Errorf("scenario: subject %s is %T, not a scenario body", s.ID(), s)
	}
	return b, nil
}

// MotionComposer advances the body by its velocity and records the new
// position as state and the velocity as action.
func MotionComposer(_ context.Context, f *frame.Frame, s tickframe.Subject, tick int64) error {
	b, err := bodyOf(s)
	if err != nil {
		return err
	}
	b.pos.X += b.spec.Velocity.X
	b.pos.Y += b.spec.Velocity.Y
	b.steps++
	f.SetState(value.Object(value.Map{
		"x":    value.Number(b.pos.X),
		"y":    value.Number(b.pos.Y),
		"tick": value.Int(tick),
	}))
	f.SetAction(value.Object(value.Map{
		"dx": value.Number(b.spec.Velocity.X),
		"dy": value.Number(b.spec.Velocity.Y),
	}))
	return nil
}

// TimeoutComposer flags the frame as timed out once the body has spent
// max_steps frames in its episode.
func TimeoutComposer(_ context.Context, f *frame.Frame, s tickframe.Subject, _ int64) error {
	b, err := bodyOf(s)
	if err != nil {
		return err
	}
	if b.spec.MaxSteps > 0 && b.steps >= b.spec.MaxSteps {
		f.SetTimeout(true)
		f.SetDone(true)
	}
	return nil
}

// RewardHandler adds data.value to the frame reward.
func RewardHandler(_ context.Context, f *frame.Frame, _ tickframe.Subject, _ string, data value.Map) error {
	v, ok := data["value"].AsNumber()
	if !ok {
		return fmt.Errorf("scenario: reward event without numeric value")
	}
	f.AddReward(v)
	return nil
}

// GoalHandler ends the episode successfully, adding the optional bonus.
func GoalHandler(_ context.Context, f *frame.Frame, _ tickframe.Subject, _ string, data value.Map) error {
	if bonus, ok := data["bonus"].AsNumber(); ok {
		f.AddReward(bonus)
	}
	f.SetDone(true)
	return nil
}

// QuitHandler marks the last frame before a subject leaves as terminal.
func QuitHandler(_ context.Context, f *frame.Frame, _ tickframe.Subject, _ string, _ value.Map) error {
	f.SetDone(true)
	return nil
}

// Install registers the builtin composers and handlers on m.
func Install(m *tickframe.Manager) {
	m.RegisterComposer(tickframe.ComposerFunc(MotionComposer))
	m.RegisterComposer(tickframe.ComposerFunc(TimeoutComposer))
	InstallHandlers(m)
}

// InstallHandlers registers only the event handlers. They do not need a Body,
// so hosts with their own subjects can use them.
func InstallHandlers(m *tickframe.Manager) {
	m.RegisterEventHandler(EventReward, tickframe.EventHandlerFunc(RewardHandler))
	m.RegisterEventHandler(EventGoal, tickframe.EventHandlerFunc(GoalHandler))
	m.RegisterEventHandler(EventQuit, tickframe.EventHandlerFunc(QuitHandler))
}
