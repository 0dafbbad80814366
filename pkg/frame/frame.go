// Package frame holds the per-subject, per-tick record that composers and
// event handlers fill in before it is handed to the journal.
package frame

import (
	"sync"
	"time"

	"episodelog/pkg/value"
)

// Well-known payload keys projected into every journal record.
const (
	KeyState  = "state"
	KeyAction = "action"
)

// Frame is one subject's observation for exactly one tick. All methods are
// safe for concurrent use; event producers may append while the tick thread
// reads or composes.
type Frame struct {
	mu sync.RWMutex

	subjectID    string
	globalTick   int64
	timestamp    time.Time
	episodeStart time.Time
	timeStep     int64
	episodeID    string

	data       value.Map
	eventTypes []string // first-seen order of event types
	events     map[string][]value.Map

	done    bool
	timeout bool
	reward  float64

	sealed bool
}

// New creates an empty frame. timestamp is the wall-clock creation time;
// episodeStart is when the subject's episode began.
func New(subjectID string, globalTick int64, timestamp, episodeStart time.Time) *Frame {
	return &Frame{
		subjectID:    subjectID,
		globalTick:   globalTick,
		timestamp:    timestamp,
		episodeStart: episodeStart,
		data:         make(value.Map),
		events:       make(map[string][]value.Map),
	}
}

func (f *Frame) SubjectID() string { return f.subjectID }
func (f *Frame) GlobalTick() int64 { return f.globalTick }
func (f *Frame) Timestamp() time.Time { return f.timestamp }

// TimestampMs is the creation time in Unix milliseconds.
func (f *Frame) TimestampMs() int64 { return f.timestamp.UnixMilli() }
func (f *Frame) EpisodeStart() time.Time { return f.episodeStart }

func (f *Frame) TimeStep() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.timeStep
}

func (f *Frame) SetTimeStep(step int64) {
	f.mu.Lock()
	f.timeStep = step
	f.mu.Unlock()
}

func (f *Frame) EpisodeID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.episodeID
}

func (f *Frame) SetEpisodeID(id string) {
	f.mu.Lock()
	f.episodeID = id
	f.mu.Unlock()
}

// Get returns the payload entry for key.
func (f *Frame) Get(key string) (value.Value, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

// Set stores a payload entry, replacing any previous value.
func (f *Frame) Set(key string, v value.Value) {
	f.mu.Lock()
	f.data[key] = v
	f.mu.Unlock()
}

// SetAny converts v with value.From and stores it.
func (f *Frame) SetAny(key string, v any) error {
	cv, err := value.From(v)
	if err != nil {
		return err
	}
	f.Set(key, cv)
	return nil
}

func (f *Frame) Delete(key string) {
	f.mu.Lock()
	delete(f.data, key)
	f.mu.Unlock()
}

func (f *Frame) State() value.Value {
	v, _ := f.Get(KeyState)
	return v
}

func (f *Frame) SetState(v value.Value) { f.Set(KeyState, v) }

func (f *Frame) Action() value.Value {
	v, _ := f.Get(KeyAction)
	return v
}

func (f *Frame) SetAction(v value.Value) { f.Set(KeyAction, v) }

// The typed getters report false both when the key is missing and when the
// stored value has a different kind.

func (f *Frame) GetString(key string) (string, bool) {
	v, _ := f.Get(key)
	return v.AsString()
}

func (f *Frame) GetNumber(key string) (float64, bool) {
	v, _ := f.Get(key)
	return v.AsNumber()
}

func (f *Frame) GetBool(key string) (bool, bool) {
	v, _ := f.Get(key)
	return v.AsBool()
}

func (f *Frame) GetMap(key string) (value.Map, bool) {
	v, _ := f.Get(key)
	return v.AsMap()
}

func (f *Frame) GetList(key string) ([]value.Value, bool) {
	v, _ := f.Get(key)
	return v.AsList()
}

func (f *Frame) Done() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.done
}

func (f *Frame) SetDone(done bool) {
	f.mu.Lock()
	f.done = done
	f.mu.Unlock()
}

func (f *Frame) Timeout() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.timeout
}

func (f *Frame) SetTimeout(timeout bool) {
	f.mu.Lock()
	f.timeout = timeout
	f.mu.Unlock()
}

func (f *Frame) Reward() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reward
}

func (f *Frame) SetReward(reward float64) {
	f.mu.Lock()
	f.reward = reward
	f.mu.Unlock()
}

// AddReward accumulates into the frame reward and returns the new total.
func (f *Frame) AddReward(delta float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reward += delta
	return f.reward
}

// AddEvent appends data to the list for eventType. It returns false and
// records nothing once the frame has been sealed.
func (f *Frame) AddEvent(eventType string, data value.Map) bool {
	stored := data.Clone()
	if stored == nil {
		stored = value.Map{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return false
	}
	list, seen := f.events[eventType]
	if !seen {
		f.eventTypes = append(f.eventTypes, eventType)
	}
	f.events[eventType] = append(list, stored)
	return true
}

// LatestEvent returns the most recent event data of the given type.
func (f *Frame) LatestEvent(eventType string) (value.Map, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	list := f.events[eventType]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// Events returns a copy of the event list for one type in insertion order.
func (f *Frame) Events(eventType string) []value.Map {
	f.mu.RLock()
	defer f.mu.RUnlock()
	list := f.events[eventType]
	out := make([]value.Map, len(list))
	copy(out, list)
	return out
}

// EventTypes lists recorded event types in the order they were first seen.
func (f *Frame) EventTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.eventTypes))
	copy(out, f.eventTypes)
	return out
}

// AllEvents flattens every event, grouped by type in first-seen order and in
// insertion order within each type.
func (f *Frame) AllEvents() []value.Map {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flattenLocked()
}

func (f *Frame) flattenLocked() []value.Map {
	out := make([]value.Map, 0)
	for _, t := range f.eventTypes {
		out = append(out, f.events[t]...)
	}
	return out
}

// Seal stops the frame from accepting further events. Payload and terminal
// fields stay writable so composers can still run.
func (f *Frame) Seal() {
	f.mu.Lock()
	f.sealed = true
	f.mu.Unlock()
}

func (f *Frame) Sealed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sealed
}
