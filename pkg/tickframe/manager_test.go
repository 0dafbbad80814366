package tickframe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodelog/pkg/episode"
	"episodelog/pkg/frame"
	"episodelog/pkg/journal"
	"episodelog/pkg/value"
)

type memWriter struct {
	mu      sync.Mutex
	records []journal.Record
	fail    map[string]error // subject id → error
	closed  int
	ended   []string
}

func (w *memWriter) Write(f *frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail[f.SubjectID()]; err != nil {
		return err
	}
	w.records = append(w.records, journal.RecordFromFrame(f))
	return nil
}

func (w *memWriter) Flush() error { return nil }

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed++
	w.mu.Unlock()
	return nil
}

func (w *memWriter) CloseEpisode(id string) error {
	w.mu.Lock()
	w.ended = append(w.ended, id)
	w.mu.Unlock()
	return nil
}

func (w *memWriter) byEpisode(id string) []journal.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []journal.Record
	for _, r := range w.records {
		if r.EpisodeID == id {
			out = append(out, r)
		}
	}
	return out
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func seqTracker() *episode.Tracker {
	var n atomic.Int64
	return episode.NewTracker(episode.WithTokenSource(func() string {
		return fmt.Sprintf("tok%d", n.Add(1))
	}))
}

func newTestManager(t *testing.T, roster Roster, w Writer, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithTracker(seqTracker())}, opts...)
	m, err := NewManager(roster, w, opts...)
	require.NoError(t, err)
	return m
}

func subjects(ids ...string) RosterFunc {
	return func() []Subject {
		out := make([]Subject, len(ids))
		for i, id := range ids {
			out[i] = SubjectID(id)
		}
		return out
	}
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(nil, &memWriter{})
	assert.Error(t, err)
	_, err = NewManager(subjects(), nil)
	assert.Error(t, err)
}

func TestSingleSubjectScenario(t *testing.T) {
	ctx := context.Background()
	w, err := journal.NewWriter(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, subjects("p1"), w)
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, _ Subject, _ int64) error {
		f.SetState(value.Object(value.Map{"x": value.Int(5)}))
		return nil
	}))

	m.StartNewTick(ctx)
	f, ok := m.GetCurrentFrame("p1")
	require.True(t, ok)
	assert.Equal(t, "p1_tok1", f.EpisodeID())
	assert.Equal(t, int64(1), f.GlobalTick())

	require.True(t, m.HandleEvent(ctx, "p1", "jump", value.Map{"height": value.Number(1.2)}))
	assert.Len(t, f.Events("jump"), 1)

	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, TickStats{Tick: 1, Frames: 1, Written: 1}, stats)

	raw, err := os.ReadFile(filepath.Join(w.Dir(), "episode_p1_tok1.jsonl"))
	require.NoError(t, err)
	line := string(raw)
	assert.Contains(t, line, `"events":[{"height":1.2}]`)
	assert.Contains(t, line, `"state":{"x":5}`)
	assert.Contains(t, line, `"done":false`)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])
	require.NoError(t, m.Close())
}

func TestTwoSubjectsTwoFiles(t *testing.T) {
	ctx := context.Background()
	w, err := journal.NewWriter(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, subjects("p1", "p2"), w)

	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)

	files, err := journal.ListEpisodeFiles(w.Dir())
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, path := range files {
		recs, err := journal.ReadEpisode(path)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	}
}

func TestExactlyOneFramePerSubjectPerTick(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("a", "b", "a", "c"), w)

	var composed sync.Map
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, _ Subject, tick int64) error {
		key := fmt.Sprintf("%s/%d", f.SubjectID(), tick)
		_, dup := composed.LoadOrStore(key, true)
		assert.False(t, dup, "composed twice: %s", key)
		return nil
	}))

	for i := 0; i < 5; i++ {
		m.StartNewTick(ctx)
		assert.Equal(t, []string{"a", "b", "c"}, m.ActiveSubjects())
		stats := m.EndCurrentTick(ctx)
		assert.Equal(t, 3, stats.Frames)
		assert.Equal(t, 3, stats.Written)
	}
	assert.Equal(t, 15, w.count())
	assert.Equal(t, int64(5), m.Tick())

	for _, id := range []string{"a", "b", "c"} {
		ep, ok := m.Tracker().Lookup(id)
		require.True(t, ok)
		recs := w.byEpisode(ep.ID)
		require.Len(t, recs, 5)
		for i, r := range recs {
			assert.Equal(t, int64(i), r.Step)
			assert.Equal(t, int64(i+1), r.GlobalTick)
		}
	}
}

func TestComposerFailureIsolation(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("A", "B"), w)

	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, s Subject, _ int64) error {
		if s.ID() == "A" {
			return errors.New("boom")
		}
		f.SetState(value.String("composed-" + s.ID()))
		return nil
	}))
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, s Subject, _ int64) error {
		if s.ID() == "A" {
			panic("second composer panics")
		}
		return nil
	}))
	var laterRan atomic.Int64
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, _ Subject, _ int64) error {
		laterRan.Add(1)
		f.SetAction(value.String("act"))
		return nil
	}))

	m.StartNewTick(ctx)
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 2, stats.ComposerFailures)
	assert.Equal(t, 2, stats.Written)
	assert.Equal(t, int64(2), laterRan.Load())

	epB, _ := m.Tracker().Lookup("B")
	recs := w.byEpisode(epB.ID)
	require.Len(t, recs, 1)
	s, _ := recs[0].State.AsString()
	assert.Equal(t, "composed-B", s)

	epA, _ := m.Tracker().Lookup("A")
	recs = w.byEpisode(epA.ID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].State.IsNull())
	a, _ := recs[0].Action.AsString()
	assert.Equal(t, "act", a)
}

func TestComposerReceivesTickAndSubject(t *testing.T) {
	ctx := context.Background()
	type player struct{ SubjectID }
	p := player{SubjectID("p1")}
	m := newTestManager(t, RosterFunc(func() []Subject { return []Subject{p} }), &memWriter{})

	var gotTick int64
	var gotSubject Subject
	m.RegisterComposer(ComposerFunc(func(_ context.Context, _ *frame.Frame, s Subject, tick int64) error {
		gotTick, gotSubject = tick, s
		return nil
	}))
	m.StartNewTick(ctx)
	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)
	assert.Equal(t, int64(2), gotTick)
	assert.Equal(t, p, gotSubject)
}

func TestHandleEventWithoutFrameIsDropped(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)

	var calls atomic.Int64
	m.RegisterEventHandler("jump", EventHandlerFunc(func(context.Context, *frame.Frame, Subject, string, value.Map) error {
		calls.Add(1)
		return nil
	}))

	assert.False(t, m.HandleEvent(ctx, "p1", "jump", nil), "before the first tick")
	_, ok := m.GetCurrentFrame("p1")
	assert.False(t, ok)

	m.StartNewTick(ctx)
	assert.False(t, m.HandleEvent(ctx, "ghost", "jump", nil))
	_, ok = m.GetCurrentFrame("ghost")
	assert.False(t, ok)

	m.EndCurrentTick(ctx)
	assert.False(t, m.HandleEvent(ctx, "p1", "jump", nil), "after tick end")
	assert.Zero(t, calls.Load())

	f, ok := m.GetCurrentFrame("p1")
	require.True(t, ok)
	assert.True(t, f.Sealed())
	assert.Empty(t, f.AllEvents())
}

func TestHandlersRunInOrderAndAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, subjects("p1"), &memWriter{})

	var order []string
	m.RegisterEventHandler("hit", EventHandlerFunc(func(context.Context, *frame.Frame, Subject, string, value.Map) error {
		order = append(order, "first")
		return errors.New("fails")
	}))
	m.RegisterEventHandler("hit", EventHandlerFunc(func(context.Context, *frame.Frame, Subject, string, value.Map) error {
		order = append(order, "second")
		panic("also fails")
	}))
	m.RegisterEventHandler("hit", EventHandlerFunc(func(_ context.Context, f *frame.Frame, s Subject, typ string, data value.Map) error {
		order = append(order, "third")
		dmg, _ := data["damage"].AsNumber()
		f.AddReward(-dmg)
		assert.Equal(t, "p1", s.ID())
		assert.Equal(t, "hit", typ)
		return nil
	}))
	m.RegisterEventHandler("other", EventHandlerFunc(func(context.Context, *frame.Frame, Subject, string, value.Map) error {
		order = append(order, "other")
		return nil
	}))

	m.StartNewTick(ctx)
	require.True(t, m.HandleEvent(ctx, "p1", "hit", value.Map{"damage": value.Number(2)}))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	f, _ := m.GetCurrentFrame("p1")
	assert.Equal(t, -2.0, f.Reward())
	assert.Len(t, f.Events("hit"), 1, "event recorded despite handler failures")
}

func TestEventOrderingInRecord(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)

	m.StartNewTick(ctx)
	for i := 1; i <= 3; i++ {
		m.HandleEvent(ctx, "p1", "step", value.Map{"i": value.Int(int64(i))})
	}
	m.HandleEvent(ctx, "p1", "chat", value.Map{"msg": value.String("gg")})
	m.EndCurrentTick(ctx)

	require.Equal(t, 1, w.count())
	events := w.records[0].Events
	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		n, _ := events[i]["i"].AsInt()
		assert.Equal(t, int64(i+1), n)
	}
	msg, _ := events[3]["msg"].AsString()
	assert.Equal(t, "gg", msg)
}

func TestConcurrentEventsAreNotLost(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1", "p2"), w)

	m.StartNewTick(ctx)
	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			subject := "p1"
			if g%2 == 1 {
				subject = "p2"
			}
			for i := 0; i < 200; i++ {
				if m.HandleEvent(ctx, subject, "tick", value.Map{"g": value.Int(int64(g))}) {
					accepted.Add(1)
				}
				_, _ = m.GetCurrentFrame(subject)
			}
		}(g)
	}
	close(start)
	time.Sleep(time.Millisecond)
	m.EndCurrentTick(ctx)
	wg.Wait()

	total := 0
	for _, r := range w.records {
		total += len(r.Events)
	}
	assert.Equal(t, int(accepted.Load()), total)
}

func TestStartNewTickPrunesDepartedSubjects(t *testing.T) {
	ctx := context.Background()
	presence := NewPresence()
	presence.Join(SubjectID("p1"))
	presence.Join(SubjectID("p2"))
	m := newTestManager(t, presence, &memWriter{})

	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)
	presence.Leave("p2")
	m.StartNewTick(ctx)

	assert.Equal(t, []string{"p1"}, m.ActiveSubjects())
	_, ok := m.GetCurrentFrame("p2")
	assert.False(t, ok)
	assert.False(t, m.HandleEvent(ctx, "p2", "x", nil))
}

func TestRejoinContinuesEpisodeUntilEnded(t *testing.T) {
	ctx := context.Background()
	presence := NewPresence()
	presence.Join(SubjectID("p1"))
	m := newTestManager(t, presence, &memWriter{})

	m.StartNewTick(ctx)
	first, _ := m.GetCurrentFrame("p1")
	m.EndCurrentTick(ctx)

	presence.Leave("p1")
	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)
	presence.Join(SubjectID("p1"))
	m.StartNewTick(ctx)
	again, _ := m.GetCurrentFrame("p1")
	assert.Equal(t, first.EpisodeID(), again.EpisodeID())
}

func TestEndEpisode(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	obs := &recordingObserver{}
	m := newTestManager(t, subjects("p1"), w, WithObserver(obs))

	_, ok := m.EndEpisode(ctx, "p1")
	assert.False(t, ok)

	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)
	m.StartNewTick(ctx)
	f, _ := m.GetCurrentFrame("p1")
	firstID := f.EpisodeID()

	ended, ok := m.EndEpisode(ctx, "p1")
	require.True(t, ok)
	assert.Equal(t, firstID, ended.ID)
	assert.Equal(t, []string{firstID}, w.ended)

	m.EndCurrentTick(ctx)
	assert.Len(t, w.byEpisode(firstID), 2, "the open frame still lands in the ended episode")

	m.StartNewTick(ctx)
	f, _ = m.GetCurrentFrame("p1")
	assert.NotEqual(t, firstID, f.EpisodeID())
	m.EndCurrentTick(ctx)

	recs := w.byEpisode(f.EpisodeID())
	require.Len(t, recs, 1)
	assert.Equal(t, int64(0), recs[0].Step, "steps restart in the new episode")

	_, stillKnown := m.Tracker().Get(firstID)
	assert.False(t, stillKnown, "ended episode pruned at tick start")

	assert.Equal(t, []string{"p1_tok1", "p1_tok2"}, obs.startedIDs())
	assert.Equal(t, []string{firstID}, obs.endedIDs())
}

func TestUnendedTickIsDiscarded(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)

	m.StartNewTick(ctx)
	stale, _ := m.GetCurrentFrame("p1")
	m.StartNewTick(ctx)
	assert.True(t, stale.Sealed())
	assert.False(t, stale.AddEvent("late", nil))

	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, int64(2), stats.Tick)
	assert.Equal(t, 1, w.count())

	assert.Equal(t, TickStats{Tick: 2}, m.EndCurrentTick(ctx), "ending twice is a no-op")
	assert.Equal(t, 1, w.count())
}

func TestWriteFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{fail: map[string]error{"bad": errors.New("disk full")}}
	m := newTestManager(t, subjects("bad", "good"), w)

	m.StartNewTick(ctx)
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 1, stats.Written)
	assert.Equal(t, 1, stats.WriteFailures)

	bad, _ := m.Tracker().Lookup("bad")
	assert.Zero(t, bad.Frames, "failed writes do not advance the episode")
	good, _ := m.Tracker().Lookup("good")
	assert.Equal(t, int64(1), good.Frames)
}

func TestFrameWithoutEpisodeIDIsDropped(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1", "p2"), w)
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, s Subject, _ int64) error {
		if s.ID() == "p1" {
			f.SetEpisodeID("")
		}
		return nil
	}))

	m.StartNewTick(ctx)
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Written)
}

func TestParallelComposeWorkers(t *testing.T) {
	ctx := context.Background()
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%02d", i)
	}
	w := &memWriter{}
	m := newTestManager(t, subjects(ids...), w, WithComposeWorkers(4))

	var inflight, peak atomic.Int64
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, _ Subject, _ int64) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		f.SetState(value.String(f.SubjectID()))
		return nil
	}))

	m.StartNewTick(ctx)
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 20, stats.Written)
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Equal(t, 20, w.count())
}

func TestClockSteps(t *testing.T) {
	ctx := context.Background()
	clock := time.UnixMilli(10_000)
	tracker := episode.NewTracker(episode.WithClock(func() time.Time { return clock }))
	w := &memWriter{}
	m, err := NewManager(subjects("p1"), w,
		WithTracker(tracker),
		WithTimeStepper(ClockSteps(50*time.Millisecond)),
		WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, err)

	advance := []time.Duration{0, 120 * time.Millisecond, 0, 500 * time.Millisecond}
	for _, d := range advance {
		clock = clock.Add(d)
		m.StartNewTick(ctx)
		m.EndCurrentTick(ctx)
	}

	ep, _ := tracker.Lookup("p1")
	recs := w.byEpisode(ep.ID)
	require.Len(t, recs, 4)
	got := []int64{recs[0].Step, recs[1].Step, recs[2].Step, recs[3].Step}
	assert.Equal(t, []int64{0, 2, 2, 12}, got)
}

func TestClockStepsNeverDecrease(t *testing.T) {
	s := ClockSteps(0)
	start := time.UnixMilli(1_000)
	f := frame.New("p1", 1, start.Add(-time.Second), start)
	assert.Equal(t, int64(0), s.Step(episode.Episode{StartedAt: start}, f))
	assert.Equal(t, int64(7), s.Step(episode.Episode{StartedAt: start, Frames: 3, LastStep: 7}, f))
}

func TestObserverHooks(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	failing := &recordingObserver{err: errors.New("unavailable")}
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w, WithObserver(obs), WithObserver(failing))
	m.RegisterComposer(ComposerFunc(func(_ context.Context, f *frame.Frame, _ Subject, _ int64) error {
		f.SetReward(1.5)
		f.SetDone(true)
		return nil
	}))

	m.StartNewTick(ctx)
	m.HandleEvent(ctx, "p1", "e", nil)
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 1, stats.Written, "observer errors never fail the write")

	require.Len(t, obs.frames, 1)
	rec := obs.frames[0]
	assert.Equal(t, "p1", rec.SubjectID)
	assert.Equal(t, int64(1), rec.Tick)
	assert.Equal(t, 1, rec.Events)
	assert.True(t, rec.Done)
	assert.Equal(t, 1.5, rec.Episode.Reward)
	assert.True(t, rec.Episode.Terminal)
	assert.Len(t, failing.frames, 1)
}

func TestResolveEpisodeNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	m := newTestManager(t, subjects("p1"), &memWriter{}, WithObserver(obs))

	ep := m.ResolveEpisode(ctx, "p1")
	assert.Equal(t, ep.ID, m.ResolveEpisode(ctx, "p1").ID)
	m.StartNewTick(ctx)
	f, _ := m.GetCurrentFrame("p1")
	assert.Equal(t, ep.ID, f.EpisodeID())
	assert.Equal(t, []string{ep.ID}, obs.startedIDs())
}

func TestCheckpointRestoresEpisodes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracker.msgpack")
	m := newTestManager(t, subjects("p1"), &memWriter{})
	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx)
	require.NoError(t, m.Checkpoint(path))
	before, _ := m.Tracker().Lookup("p1")

	restored := episode.NewTracker()
	require.NoError(t, restored.Load(path))
	w := &memWriter{}
	m2, err := NewManager(subjects("p1"), w, WithTracker(restored))
	require.NoError(t, err)
	m2.StartNewTick(ctx)
	m2.EndCurrentTick(ctx)

	require.Equal(t, 1, w.count())
	assert.Equal(t, before.ID, w.records[0].EpisodeID)
	assert.Equal(t, int64(1), w.records[0].Step, "counter continues after restore")
}

func TestRunDrivesTicks(t *testing.T) {
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.TickOpen())
	assert.GreaterOrEqual(t, w.count(), 2)
	assert.Equal(t, int(m.Tick()), w.count(), "every started tick was ended")
}

func TestRunStops(t *testing.T) {
	m := newTestManager(t, subjects("p1"), &memWriter{})
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := &memWriter{}
	m := newTestManager(t, subjects(), w)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, w.closed)
}

type recordingObserver struct {
	mu      sync.Mutex
	err     error
	started []episode.Episode
	frames  []FrameRecord
	ended   []episode.Episode
}

func (o *recordingObserver) EpisodeStarted(_ context.Context, ep episode.Episode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, ep)
	return o.err
}

func (o *recordingObserver) FrameWritten(_ context.Context, rec FrameRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, rec)
	return o.err
}

func (o *recordingObserver) EpisodeEnded(_ context.Context, ep episode.Episode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, ep)
	return o.err
}

func (o *recordingObserver) startedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, ep := range o.started {
		out = append(out, ep.ID)
	}
	return out
}

func (o *recordingObserver) endedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, ep := range o.ended {
		out = append(out, ep.ID)
	}
	return out
}

func TestEndCurrentTickWaitsForRunningHandlers(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)

	entered := make(chan struct{})
	release := make(chan struct{})
	m.RegisterEventHandler("score", EventHandlerFunc(func(_ context.Context, f *frame.Frame, _ Subject, _ string, _ value.Map) error {
		close(entered)
		<-release
		f.AddReward(1)
		f.SetDone(true)
		return nil
	}))

	m.StartNewTick(ctx)
	handled := make(chan bool, 1)
	go func() { handled <- m.HandleEvent(ctx, "p1", "score", nil) }()
	<-entered

	ended := make(chan TickStats, 1)
	go func() { ended <- m.EndCurrentTick(ctx) }()
	f, ok := m.GetCurrentFrame("p1")
	require.True(t, ok)
	require.Eventually(t, f.Sealed, time.Second, time.Millisecond)

	select {
	case <-ended:
		t.Fatal("tick ended while a handler was still running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Zero(t, w.count())

	close(release)
	stats := <-ended
	assert.True(t, <-handled)
	assert.Equal(t, 1, stats.Written)
	assert.False(t, m.HandleEvent(ctx, "p1", "score", nil))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.records, 1)
	assert.Equal(t, 1.0, w.records[0].Reward)
	assert.True(t, w.records[0].Done)
	assert.Len(t, w.records[0].Events, 1)
}

func TestUpdateFrame(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w)

	noop := func(*frame.Frame) {}
	assert.ErrorIs(t, m.UpdateFrame("p1", noop), ErrNoFrame)

	m.StartNewTick(ctx)
	assert.ErrorIs(t, m.UpdateFrame("ghost", noop), ErrNoFrame)
	require.NoError(t, m.UpdateFrame("p1", func(f *frame.Frame) {
		f.SetReward(2)
		f.SetState(value.Object(value.Map{"x": value.Int(5)}))
	}))
	m.EndCurrentTick(ctx)

	called := false
	err := m.UpdateFrame("p1", func(*frame.Frame) { called = true })
	assert.ErrorIs(t, err, ErrFrameSealed)
	assert.False(t, called)

	require.Equal(t, 1, w.count())
	assert.Equal(t, 2.0, w.records[0].Reward)
}

func TestUpdateFrameRacingEndCurrentTick(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	m := newTestManager(t, subjects("p1"), w, WithComposeWorkers(2))

	const ticks = 100
	applied := make([]bool, ticks)
	for i := 0; i < ticks; i++ {
		m.StartNewTick(ctx)
		done := make(chan error, 1)
		go func(reward float64) {
			done <- m.UpdateFrame("p1", func(f *frame.Frame) { f.SetReward(reward) })
		}(float64(i + 1))
		m.EndCurrentTick(ctx)
		err := <-done
		if err != nil {
			require.ErrorIs(t, err, ErrFrameSealed)
		}
		applied[i] = err == nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.records, ticks)
	for i, rec := range w.records {
		if applied[i] {
			assert.Equal(t, float64(i+1), rec.Reward, "tick %d", i+1)
		} else {
			assert.Zero(t, rec.Reward, "tick %d", i+1)
		}
	}
}

type gateObserver struct {
	*recordingObserver
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGateObserver() *gateObserver {
	return &gateObserver{
		recordingObserver: &recordingObserver{},
		entered:           make(chan struct{}),
		gate:              make(chan struct{}),
	}
}

func (o *gateObserver) EpisodeStarted(ctx context.Context, ep episode.Episode) error {
	o.once.Do(func() { close(o.entered) })
	<-o.gate
	return o.recordingObserver.EpisodeStarted(ctx, ep)
}

func TestObserverQueueRunsHooksOffTickGoroutine(t *testing.T) {
	ctx := context.Background()
	w := &memWriter{}
	obs := newGateObserver()
	m := newTestManager(t, subjects("p1"), w, WithObserver(obs), WithObserverQueue(8))

	// The hook is blocked; the tick still completes.
	m.StartNewTick(ctx)
	<-obs.entered
	stats := m.EndCurrentTick(ctx)
	assert.Equal(t, 1, stats.Written)
	assert.Empty(t, obs.startedIDs())

	close(obs.gate)
	require.NoError(t, m.Close())
	require.Len(t, obs.startedIDs(), 1)
	obs.mu.Lock()
	require.Len(t, obs.frames, 1)
	assert.Equal(t, obs.started[0].ID, obs.frames[0].Episode.ID)
	obs.mu.Unlock()

	// Once closed, hooks run inline.
	ep, ok := m.EndEpisode(ctx, "p1")
	require.True(t, ok)
	assert.Equal(t, []string{ep.ID}, obs.endedIDs())
}

func TestObserverQueueDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	obs := newGateObserver()
	m := newTestManager(t, subjects("p1"), &memWriter{}, WithObserver(obs), WithObserverQueue(1))

	m.StartNewTick(ctx)
	<-obs.entered
	m.EndCurrentTick(ctx) // fills the queue
	m.StartNewTick(ctx)
	m.EndCurrentTick(ctx) // dropped
	assert.Equal(t, int64(1), m.queue.dropped.Load())

	close(obs.gate)
	require.NoError(t, m.Close())
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.started, 1)
	require.Len(t, obs.frames, 1)
	assert.Equal(t, int64(1), obs.frames[0].Tick)
}

func TestObserverQueueSkippedWithoutObservers(t *testing.T) {
	m := newTestManager(t, subjects("p1"), &memWriter{}, WithObserverQueue(4))
	assert.Nil(t, m.queue)
	require.NoError(t, m.Close())
}
