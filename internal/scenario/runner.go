// Package scenario is a scripted host for the tick-frame manager. It plays
// the role of the game loop: subjects join and leave, raise events, respawn,
// and every tick is opened and closed on the manager.
package scenario

import (
	"context"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"episodelog/pkg/tickframe"
	"episodelog/pkg/value"
)

// Runner wires a Scenario to a Manager whose roster is Presence.
type Runner struct {
	Scenario *Scenario
	Manager  *tickframe.Manager
	Presence *tickframe.Presence

	bodies map[string]*Body
}

// Result summarises a run.
type Result struct {
	Ticks            int64
	Frames           int
	Written          int
	Dropped          int
	ComposerFailures int
	WriteFailures    int
	EventsRecorded   int
	EventsDropped    int
	EpisodesEnded    int
	EpisodeIDs       []string // in order of first frame
}

func NewRunner(sc *Scenario, m *tickframe.Manager, presence *tickframe.Presence) *Runner {
	return &Runner{Scenario: sc, Manager: m, Presence: presence}
}

func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.Scenario == nil || r.Manager == nil || r.Presence == nil {
		return nil, errors.New("scenario: runner not fully configured")
	}
	sc := r.Scenario
	r.bodies = make(map[string]*Body, len(sc.Subjects))
	for _, spec := range sc.Subjects {
		r.bodies[spec.ID] = newBody(spec)
	}
	eventsByTick := make(map[int64][]EventSpec)
	for _, ev := range sc.Events {
		eventsByTick[ev.Tick] = append(eventsByTick[ev.Tick], ev)
	}

	res := &Result{}
	seen := make(map[string]struct{})
	logx.WithContext(ctx).Infof("scenario %s: %d ticks, %d subjects", sc.Name, sc.Ticks, len(sc.Subjects))

	for tick := int64(1); tick <= sc.Ticks; tick++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		started := time.Now()

		for _, spec := range sc.Subjects {
			if spec.Join == tick {
				r.Presence.Join(r.bodies[spec.ID])
			}
			if containsTick(spec.Respawn, tick) {
				r.endEpisode(ctx, spec.ID, res)
			}
		}

		r.Manager.StartNewTick(ctx)
		for _, id := range r.Manager.ActiveSubjects() {
			if f, ok := r.Manager.GetCurrentFrame(id); ok {
				if _, dup := seen[f.EpisodeID()]; !dup {
					seen[f.EpisodeID()] = struct{}{}
					res.EpisodeIDs = append(res.EpisodeIDs, f.EpisodeID())
				}
			}
		}

		for _, ev := range eventsByTick[tick] {
			data, err := value.MapFrom(ev.Data)
			if err != nil {
				logx.WithContext(ctx).Errorf("scenario: tick %d event %s: %v", tick, ev.Type, err)
				res.EventsDropped++
				continue
			}
			r.countEvent(r.Manager.HandleEvent(ctx, ev.Subject, ev.Type, data), res)
		}
		for _, spec := range sc.Subjects {
			if spec.Leave == tick+1 {
				quit := value.Map{"reason": value.String("quit")}
				r.countEvent(r.Manager.HandleEvent(ctx, spec.ID, EventQuit, quit), res)
			}
		}

		stats := r.Manager.EndCurrentTick(ctx)
		res.Ticks++
		res.Frames += stats.Frames
		res.Written += stats.Written
		res.Dropped += stats.Dropped
		res.ComposerFailures += stats.ComposerFailures
		res.WriteFailures += stats.WriteFailures

		for _, id := range r.Manager.ActiveSubjects() {
			f, ok := r.Manager.GetCurrentFrame(id)
			if ok && (f.Done() || f.Timeout()) {
				r.endEpisode(ctx, id, res)
			}
		}
		for _, spec := range sc.Subjects {
			if spec.Leave == tick+1 {
				r.Presence.Leave(spec.ID)
			}
		}

		if err := pace(ctx, sc.TickInterval-time.Since(started)); err != nil {
			return res, err
		}
	}

	if err := r.Manager.Flush(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) endEpisode(ctx context.Context, id string, res *Result) {
	if _, ok := r.Manager.EndEpisode(ctx, id); ok {
		res.EpisodesEnded++
	}
	if b, ok := r.bodies[id]; ok {
		b.respawn()
	}
}

func (r *Runner) countEvent(recorded bool, res *Result) {
	if recorded {
		res.EventsRecorded++
	} else {
		res.EventsDropped++
	}
}

func containsTick(ticks []int64, tick int64) bool {
	for _, t := range ticks {
		if t == tick {
			return true
		}
	}
	return false
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
