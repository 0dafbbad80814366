// Package episode tracks which episode each subject is currently in.
//
// An episode starts the first time a subject is resolved and lasts until End
// is called for that subject. Ended episodes stay readable until the next
// Prune so that frames already captured for them can still be committed.
package episode

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Episode is a continuous session of one subject.
type Episode struct {
	ID        string    `msgpack:"id" json:"episode_id"`
	SubjectID string    `msgpack:"subject_id" json:"subject_id"`
	StartedAt time.Time `msgpack:"started_at" json:"started_at"`
	EndedAt   time.Time `msgpack:"ended_at,omitempty" json:"ended_at,omitempty"`

	// Progress, updated by Advance after each durable write.
	Frames   int64   `msgpack:"frames" json:"frames"`
	LastTick int64   `msgpack:"last_tick" json:"last_tick"`
	LastStep int64   `msgpack:"last_step" json:"last_step"`
	Reward   float64 `msgpack:"reward" json:"reward"`
	Terminal bool    `msgpack:"terminal" json:"terminal"`
}

// Ended reports whether End has been called for the episode.
func (e Episode) Ended() bool { return !e.EndedAt.IsZero() }

// NewID joins a subject id and a random token.
func NewID(subjectID, token string) string {
	return subjectID + "_" + token
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithTokenSource replaces the random token generator (uuid v4 by default).
func WithTokenSource(fn func() string) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.token = fn
		}
	}
}

// WithClock replaces time.Now for episode start and end stamps.
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// Tracker maps subjects to their current episode. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	episodes map[string]*Episode // episode id → record
	current  map[string]string   // subject id → episode id

	token func() string
	now   func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		episodes: make(map[string]*Episode),
		current:  make(map[string]string),
		token:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the subject's current episode, creating one on first sight
// or after the previous one was ended. created reports whether a new episode
// was issued by this call.
func (t *Tracker) Resolve(subjectID string) (ep Episode, created bool) {
	t.mu.RLock()
	if id, ok := t.current[subjectID]; ok {
		ep = *t.episodes[id]
		t.mu.RUnlock()
		return ep, false
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.current[subjectID]; ok {
		return *t.episodes[id], false
	}
	id := NewID(subjectID, t.token())
	for t.episodes[id] != nil {
		id = NewID(subjectID, t.token())
	}
	rec := &Episode{ID: id, SubjectID: subjectID, StartedAt: t.now()}
	t.episodes[id] = rec
	t.current[subjectID] = id
	return *rec, true
}

// Lookup returns the subject's current episode without creating one.
func (t *Tracker) Lookup(subjectID string) (Episode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.current[subjectID]
	if !ok {
		return Episode{}, false
	}
	return *t.episodes[id], true
}

// Get returns an episode by id, including ended episodes not yet pruned.
func (t *Tracker) Get(episodeID string) (Episode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.episodes[episodeID]
	if !ok {
		return Episode{}, false
	}
	return *rec, true
}

// Advance records one written frame against the episode.
func (t *Tracker) Advance(episodeID string, step, tick int64, reward float64, done bool) (Episode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.episodes[episodeID]
	if !ok {
		return Episode{}, false
	}
	rec.Frames++
	rec.LastTick = tick
	if step > rec.LastStep {
		rec.LastStep = step
	}
	rec.Reward += reward
	rec.Terminal = rec.Terminal || done
	return *rec, true
}

// End closes the subject's current episode. The next Resolve for the subject
// issues a fresh id and start time.
func (t *Tracker) End(subjectID string) (Episode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.current[subjectID]
	if !ok {
		return Episode{}, false
	}
	delete(t.current, subjectID)
	rec := t.episodes[id]
	rec.EndedAt = t.now()
	return *rec, true
}

// Prune forgets ended episodes and returns how many were dropped.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, rec := range t.episodes {
		if rec.Ended() {
			delete(t.episodes, id)
			n++
		}
	}
	return n
}

// Current lists the open episodes sorted by subject id.
func (t *Tracker) Current() []Episode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Episode, 0, len(t.current))
	for _, id := range t.current {
		out = append(out, *t.episodes[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Snapshot copies every known episode, open and ended, sorted by id.
func (t *Tracker) Snapshot() []Episode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Episode, 0, len(t.episodes))
	for _, rec := range t.episodes {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the tracker contents. Open episodes become current for
// their subject; ended ones are kept until the next Prune.
func (t *Tracker) Restore(episodes []Episode) error {
	episodesByID := make(map[string]*Episode, len(episodes))
	current := make(map[string]string)
	for i := range episodes {
		rec := episodes[i]
		if rec.ID == "" || rec.SubjectID == "" {
			return errors.New("episode: restore requires id and subject id")
		}
		if _, dup := episodesByID[rec.ID]; dup {
			return errors.New("episode: duplicate episode id " + rec.ID)
		}
		if !rec.Ended() {
			if prev, ok := current[rec.SubjectID]; ok {
				return errors.New("episode: subject " + rec.SubjectID + " has open episodes " + prev + " and " + rec.ID)
			}
			current[rec.SubjectID] = rec.ID
		}
		episodesByID[rec.ID] = &rec
	}

	t.mu.Lock()
	t.episodes = episodesByID
	t.current = current
	t.mu.Unlock()
	return nil
}
