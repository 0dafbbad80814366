// Package tickframe drives the per-tick frame lifecycle: one frame per active
// subject is opened at tick start, filled by event handlers and composers, and
// written to its episode's journal at tick end.
package tickframe

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"episodelog/pkg/episode"
	"episodelog/pkg/frame"
	"episodelog/pkg/value"
)

// DefaultTickDuration is one tick at 20 ticks per second.
const DefaultTickDuration = 50 * time.Millisecond

// ErrNoFrame reports that a subject has no frame in the current tick.
var ErrNoFrame = errors.New("tickframe: no active frame for subject")

// ErrFrameSealed reports that the subject's frame was already sealed.
var ErrFrameSealed = errors.New("tickframe: frame is sealed")

// Writer is the durable sink for finalized frames.
type Writer interface {
	Write(f *frame.Frame) error
	Flush() error
	Close() error
}

// EpisodeCloser is implemented by writers that can release a single
// episode's resources when it ends.
type EpisodeCloser interface {
	CloseEpisode(episodeID string) error
}

// TickStats summarises one EndCurrentTick call.
type TickStats struct {
	Tick             int64
	Frames           int
	Written          int
	Dropped          int
	ComposerFailures int
	WriteFailures    int
}

type slot struct {
	subject Subject
	frame   *frame.Frame

	// inflight is read-held by event handling and frame updates; EndCurrentTick
	// takes it exclusively after sealing so no mutation outlives the write.
	inflight sync.RWMutex
}

// drain waits for in-flight handlers and updates on the slot to return.
func (sl *slot) drain() {
	sl.inflight.Lock()
	sl.inflight.Unlock()
}

// Manager owns the active-frame table, the registries, the episode tracker
// and the writer. StartNewTick and EndCurrentTick are called by a single tick
// source; HandleEvent and the query methods may be called from any goroutine.
type Manager struct {
	mu       sync.RWMutex
	tick     int64
	tickOpen bool
	frames   map[string]*slot // subject id → frame of the current tick

	roster    Roster
	writer    Writer
	tracker   *episode.Tracker
	stepper   TimeStepper
	observers Observers
	hooks     Observer
	queue     *observerQueue
	queueSize int
	workers   int
	now       func() time.Time

	reg *registry

	stopChan  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Option customises a Manager.
type Option func(*Manager)

// WithTracker shares an existing tracker, e.g. one restored from a checkpoint.
func WithTracker(t *episode.Tracker) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracker = t
		}
	}
}

// WithObserver adds an observer; may be given more than once.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithObserverQueue runs observer hooks on a background goroutine fed by a
// queue of the given size. Hooks that find the queue full are dropped and
// logged. Close waits for queued hooks.
func WithObserverQueue(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.queueSize = size
		}
	}
}

// WithTimeStepper replaces the default per-episode counter.
func WithTimeStepper(s TimeStepper) Option {
	return func(m *Manager) {
		if s != nil {
			m.stepper = s
		}
	}
}

// WithComposeWorkers finalizes up to n subjects in parallel at tick end.
// Composers for one subject always run sequentially.
func WithComposeWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithClock replaces time.Now for frame timestamps.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager with injected dependencies.
func NewManager(roster Roster, writer Writer, opts ...Option) (*Manager, error) {
	if roster == nil {
		return nil, errors.New("tickframe: roster is required")
	}
	if writer == nil {
		return nil, errors.New("tickframe: writer is required")
	}
	m := &Manager{
		frames:   make(map[string]*slot),
		roster:   roster,
		writer:   writer,
		stepper:  CounterSteps(),
		workers:  1,
		now:      time.Now,
		reg:      newRegistry(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = episode.NewTracker()
	}
	m.hooks = m.observers
	if m.queueSize > 0 && len(m.observers) > 0 {
		m.queue = newObserverQueue(m.observers, m.queueSize)
		m.hooks = m.queue
	}
	return m, nil
}

// Tracker exposes the episode tracker.
func (m *Manager) Tracker() *episode.Tracker { return m.tracker }

// RegisterComposer appends a composer; composers run in registration order.
func (m *Manager) RegisterComposer(c Composer) {
	if c == nil {
		return
	}
	m.reg.addComposer(c)
}

// RegisterEventHandler appends a handler for eventType; handlers for a type
// run in registration order.
func (m *Manager) RegisterEventHandler(eventType string, h EventHandler) {
	if h == nil {
		return
	}
	m.reg.addHandler(eventType, h)
}

// StartNewTick advances the global tick and opens a fresh frame for every
// active subject. The previous table is replaced as a whole, so departed
// subjects lose their frame.
func (m *Manager) StartNewTick(ctx context.Context) {
	subjects := m.roster.ActiveSubjects()
	m.tracker.Prune()
	now := m.now()

	var started []episode.Episode
	table := make(map[string]*slot, len(subjects))

	m.mu.Lock()
	if m.tickOpen {
		logx.WithContext(ctx).Errorf("tickframe: tick %d was never ended, discarding %d frames", m.tick, len(m.frames))
		for _, sl := range m.frames {
			sl.frame.Seal()
		}
	}
	m.tick++
	tick := m.tick
	for _, s := range subjects {
		if s == nil || s.ID() == "" {
			continue
		}
		id := s.ID()
		if _, dup := table[id]; dup {
			continue
		}
		ep, created := m.tracker.Resolve(id)
		if created {
			started = append(started, ep)
		}
		f := frame.New(id, tick, now, ep.StartedAt)
		f.SetEpisodeID(ep.ID)
		table[id] = &slot{subject: s, frame: f}
	}
	m.frames = table
	m.tickOpen = true
	m.mu.Unlock()

	for _, ep := range started {
		logObserverError(ctx, "EpisodeStarted", ep.ID, m.hooks.EpisodeStarted(ctx, ep))
	}
}

// EndCurrentTick seals every frame of the tick, waits for handlers already
// running against them, runs the composers, derives the time step and writes
// each frame. Failures are logged per composer and
// per subject; they never stop other subjects from being written. Calling it
// without an open tick does nothing.
func (m *Manager) EndCurrentTick(ctx context.Context) TickStats {
	m.mu.Lock()
	if !m.tickOpen {
		tick := m.tick
		m.mu.Unlock()
		return TickStats{Tick: tick}
	}
	m.tickOpen = false
	tick := m.tick
	slots := make([]*slot, 0, len(m.frames))
	for _, sl := range m.frames {
		slots = append(slots, sl)
	}
	m.mu.Unlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].frame.SubjectID() < slots[j].frame.SubjectID() })
	for _, sl := range slots {
		sl.frame.Seal()
	}
	for _, sl := range slots {
		sl.drain()
	}

	composers := m.reg.composerList()
	var c tickCounters
	if m.workers <= 1 || len(slots) <= 1 {
		for _, sl := range slots {
			m.finalize(ctx, sl, tick, composers, &c)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(m.workers)
		for _, sl := range slots {
			sl := sl
			g.Go(func() error {
				m.finalize(ctx, sl, tick, composers, &c)
				return nil
			})
		}
		_ = g.Wait()
	}

	return TickStats{
		Tick:             tick,
		Frames:           len(slots),
		Written:          int(c.written.Load()),
		Dropped:          int(c.dropped.Load()),
		ComposerFailures: int(c.composerFailures.Load()),
		WriteFailures:    int(c.writeFailures.Load()),
	}
}

type tickCounters struct {
	written          atomic.Int64
	dropped          atomic.Int64
	composerFailures atomic.Int64
	writeFailures    atomic.Int64
}

func (m *Manager) finalize(ctx context.Context, sl *slot, tick int64, composers []Composer, c *tickCounters) {
	f := sl.frame
	for i, comp := range composers {
		if err := callComposer(ctx, comp, f, sl.subject, tick); err != nil {
			c.composerFailures.Add(1)
			logx.WithContext(ctx).Errorf("tickframe: composer #%d (%T) failed subject=%s episode=%s tick=%d: %v",
				i, comp, f.SubjectID(), f.EpisodeID(), tick, err)
		}
	}

	episodeID := f.EpisodeID()
	if episodeID == "" {
		c.dropped.Add(1)
		logx.WithContext(ctx).Errorf("tickframe: dropping frame without episode id subject=%s tick=%d", f.SubjectID(), tick)
		return
	}
	if ep, ok := m.tracker.Get(episodeID); ok {
		f.SetTimeStep(m.stepper.Step(ep, f))
	}

	if err := m.writer.Write(f); err != nil {
		c.writeFailures.Add(1)
		logx.WithContext(ctx).Errorf("tickframe: write failed subject=%s episode=%s tick=%d: %v", f.SubjectID(), episodeID, tick, err)
		return
	}
	c.written.Add(1)

	ep, ok := m.tracker.Advance(episodeID, f.TimeStep(), tick, f.Reward(), f.Done())
	if !ok {
		return
	}
	rec := FrameRecord{
		Episode:   ep,
		SubjectID: f.SubjectID(),
		Tick:      tick,
		Step:      f.TimeStep(),
		Reward:    f.Reward(),
		Done:      f.Done(),
		Timeout:   f.Timeout(),
		Events:    len(f.AllEvents()),
	}
	logObserverError(ctx, "FrameWritten", episodeID, m.hooks.FrameWritten(ctx, rec))
}

// HandleEvent records an event on the subject's current frame and then runs
// the handlers registered for eventType on the calling goroutine. It returns
// false, without error, when the subject has no frame accepting events.
// An accepted event's handlers finish before the frame is written; a handler
// must not call HandleEvent or UpdateFrame for its own subject.
func (m *Manager) HandleEvent(ctx context.Context, subjectID, eventType string, data value.Map) bool {
	m.mu.RLock()
	sl := m.frames[subjectID]
	m.mu.RUnlock()
	if sl == nil {
		return false
	}
	sl.inflight.RLock()
	defer sl.inflight.RUnlock()
	if !sl.frame.AddEvent(eventType, data) {
		return false
	}

	for i, h := range m.reg.handlerList(eventType) {
		if err := callHandler(ctx, h, sl.frame, sl.subject, eventType, data); err != nil {
			logx.WithContext(ctx).Errorf("tickframe: handler #%d (%T) for %q failed subject=%s episode=%s tick=%d: %v",
				i, h, eventType, subjectID, sl.frame.EpisodeID(), sl.frame.GlobalTick(), err)
		}
	}
	return true
}

// UpdateFrame applies fn to the subject's current frame unless it is sealed.
// The update is guaranteed to land in the written frame: EndCurrentTick waits
// for it before composing.
func (m *Manager) UpdateFrame(subjectID string, fn func(f *frame.Frame)) error {
	m.mu.RLock()
	sl := m.frames[subjectID]
	m.mu.RUnlock()
	if sl == nil {
		return ErrNoFrame
	}
	sl.inflight.RLock()
	defer sl.inflight.RUnlock()
	if sl.frame.Sealed() {
		return ErrFrameSealed
	}
	fn(sl.frame)
	return nil
}

// GetCurrentFrame returns the subject's frame for the current tick. After
// EndCurrentTick the frame stays readable, sealed, until the next tick starts.
func (m *Manager) GetCurrentFrame(subjectID string) (*frame.Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sl, ok := m.frames[subjectID]
	if !ok {
		return nil, false
	}
	return sl.frame, true
}

// ResolveEpisode returns the subject's current episode, opening one if the
// subject has none.
func (m *Manager) ResolveEpisode(ctx context.Context, subjectID string) episode.Episode {
	ep, created := m.tracker.Resolve(subjectID)
	if created {
		logObserverError(ctx, "EpisodeStarted", ep.ID, m.hooks.EpisodeStarted(ctx, ep))
	}
	return ep
}

// EndEpisode ends the subject's current episode and releases its journal
// stream. The subject's next tick opens a new episode. A frame already open
// in the current tick is still written to the ended episode.
func (m *Manager) EndEpisode(ctx context.Context, subjectID string) (episode.Episode, bool) {
	ep, ok := m.tracker.End(subjectID)
	if !ok {
		return episode.Episode{}, false
	}
	if closer, isCloser := m.writer.(EpisodeCloser); isCloser {
		if err := closer.CloseEpisode(ep.ID); err != nil {
			logx.WithContext(ctx).Errorf("tickframe: close episode %s: %v", ep.ID, err)
		}
	}
	logObserverError(ctx, "EpisodeEnded", ep.ID, m.hooks.EpisodeEnded(ctx, ep))
	return ep, true
}

// Tick returns the current global tick; zero before the first tick.
func (m *Manager) Tick() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tick
}

// TickOpen reports whether a tick has started and not yet ended.
func (m *Manager) TickOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickOpen
}

// ActiveSubjects lists the subject ids holding a frame, sorted.
func (m *Manager) ActiveSubjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.frames))
	for id := range m.frames {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Checkpoint saves the tracker state to path.
func (m *Manager) Checkpoint(path string) error {
	return m.tracker.Save(path)
}

func (m *Manager) Flush() error { return m.writer.Flush() }

// Close waits for queued observer hooks, then flushes and closes the writer.
// Subsequent calls return the first result.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.Stop()
		if m.queue != nil {
			m.queue.close()
		}
		m.closeErr = m.writer.Close()
	})
	return m.closeErr
}

// Run drives ticks from a ticker: every interval it ends the open tick and
// starts the next one. On exit the last tick is ended so no frame is lost.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.StartNewTick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.EndCurrentTick(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-m.stopChan:
			m.EndCurrentTick(ctx)
			return nil
		case <-ticker.C:
			m.EndCurrentTick(ctx)
			m.StartNewTick(ctx)
		}
	}
}

// Stop signals Run to exit.
func (m *Manager) Stop() { m.stopOnce.Do(func() { close(m.stopChan) }) }
