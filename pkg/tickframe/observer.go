package tickframe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zeromicro/go-zero/core/logx"

	"episodelog/pkg/episode"
)

// FrameRecord summarises one durably written frame.
type FrameRecord struct {
	Episode   episode.Episode // progress after this frame
	SubjectID string
	Tick      int64
	Step      int64
	Reward    float64
	Done      bool
	Timeout   bool
	Events    int
}

// Observer receives lifecycle hooks for catalogs and caches. Errors are
// logged by the manager and never affect the tick.
//
// Hooks are called on the goroutine that drives the manager: FrameWritten
// runs inside tick finalization, so a slow hook delays every later frame of
// the tick. Use WithObserverQueue to move hooks onto a background goroutine.
type Observer interface {
	EpisodeStarted(ctx context.Context, ep episode.Episode) error
	FrameWritten(ctx context.Context, rec FrameRecord) error
	EpisodeEnded(ctx context.Context, ep episode.Episode) error
}

// NopObserver ignores every hook. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) EpisodeStarted(context.Context, episode.Episode) error { return nil }
func (NopObserver) FrameWritten(context.Context, FrameRecord) error { return nil }
func (NopObserver) EpisodeEnded(context.Context, episode.Episode) error { return nil }

// Observers fans hooks out to every member and joins their errors.
type Observers []Observer

func (o Observers) EpisodeStarted(ctx context.Context, ep episode.Episode) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.EpisodeStarted(ctx, ep))
	}
	return errors.Join(errs...)
}

func (o Observers) FrameWritten(ctx context.Context, rec FrameRecord) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.FrameWritten(ctx, rec))
	}
	return errors.Join(errs...)
}

func (o Observers) EpisodeEnded(ctx context.Context, ep episode.Episode) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.EpisodeEnded(ctx, ep))
	}
	return errors.Join(errs...)
}

func logObserverError(ctx context.Context, hook, episodeID string, err error) {
	if err == nil {
		return
	}
	logx.WithContext(ctx).Errorf("tickframe: observer %s failed episode=%s: %v", hook, episodeID, err)
}

// ErrObserverQueueFull reports a hook dropped because the queue was full.
var ErrObserverQueueFull = errors.New("tickframe: observer queue full")

type hookCall struct {
	ctx       context.Context
	hook      string
	episodeID string
	run       func(ctx context.Context) error
}

// observerQueue hands hooks to a single background goroutine, preserving
// their submission order. When the queue is full the hook is dropped.
type observerQueue struct {
	next  Observer
	calls chan hookCall
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newObserverQueue(next Observer, size int) *observerQueue {
	q := &observerQueue{
		next:  next,
		calls: make(chan hookCall, size),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *observerQueue) loop() {
	defer close(q.done)
	for c := range q.calls {
		logObserverError(c.ctx, c.hook, c.episodeID, c.run(c.ctx))
	}
}

func (q *observerQueue) submit(ctx context.Context, hook, episodeID string, run func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return run(ctx)
	}
	select {
	case q.calls <- hookCall{ctx: context.WithoutCancel(ctx), hook: hook, episodeID: episodeID, run: run}:
		return nil
	default:
		q.dropped.Add(1)
		return ErrObserverQueueFull
	}
}

func (q *observerQueue) EpisodeStarted(ctx context.Context, ep episode.Episode) error {
	return q.submit(ctx, "EpisodeStarted", ep.ID, func(ctx context.Context) error {
		return q.next.EpisodeStarted(ctx, ep)
	})
}

func (q *observerQueue) FrameWritten(ctx context.Context, rec FrameRecord) error {
	return q.submit(ctx, "FrameWritten", rec.Episode.ID, func(ctx context.Context) error {
		return q.next.FrameWritten(ctx, rec)
	})
}

func (q *observerQueue) EpisodeEnded(ctx context.Context, ep episode.Episode) error {
	return q.submit(ctx, "EpisodeEnded", ep.ID, func(ctx context.Context) error {
		return q.next.EpisodeEnded(ctx, ep)
	})
}

// close stops accepting queued hooks and waits for the pending ones to run.
// Hooks submitted afterwards run inline.
func (q *observerQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.calls)
	q.mu.Unlock()
	<-q.done
}
