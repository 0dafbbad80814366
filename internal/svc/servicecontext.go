package svc

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"episodelog/internal/cache"
	"episodelog/internal/catalog"
	"episodelog/internal/config"
	"episodelog/pkg/episode"
	"episodelog/pkg/journal"
	"episodelog/pkg/tickframe"
)

type ServiceContext struct {
	Config config.Config

	Writer   *journal.Writer
	Tracker  *episode.Tracker
	Presence *tickframe.Presence
	Manager  *tickframe.Manager

	// Optional collaborators, nil when not configured.
	Catalog *catalog.Store
	Mirror  *cache.Mirror
}

// Option customises the context before the manager is built.
type Option func(*options)

type options struct {
	tracker  []episode.Option
	redis    *redis.Redis
	managers []tickframe.Option
}

// WithTrackerOptions passes options to the episode tracker.
func WithTrackerOptions(opts ...episode.Option) Option {
	return func(o *options) { o.tracker = append(o.tracker, opts...) }
}

// WithRedis uses an existing client instead of dialing Config.Redis.
func WithRedis(rds *redis.Redis) Option {
	return func(o *options) { o.redis = rds }
}

// WithManagerOptions appends manager options after the configured ones.
func WithManagerOptions(opts ...tickframe.Option) Option {
	return func(o *options) { o.managers = append(o.managers, opts...) }
}

func MustNewServiceContext(c config.Config, opts ...Option) *ServiceContext {
	svc, err := NewServiceContext(context.Background(), c, opts...)
	if err != nil {
		logx.Must(err)
	}
	return svc
}

// NewServiceContext wires writer, tracker, presence roster, observers and the
// manager from config.
func NewServiceContext(ctx context.Context, c config.Config, opts ...Option) (*ServiceContext, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	writer, err := journal.NewWriter(c.DataDir, journal.WithSync(c.SyncWrites))
	if err != nil {
		return nil, err
	}
	svc := &ServiceContext{
		Config:   c,
		Writer:   writer,
		Tracker:  episode.NewTracker(o.tracker...),
		Presence: tickframe.NewPresence(),
	}

	if c.CheckpointPath != "" {
		switch err := svc.Tracker.Load(c.CheckpointPath); {
		case errors.Is(err, os.ErrNotExist):
			logx.WithContext(ctx).Infof("svc: no checkpoint at %s, starting fresh", c.CheckpointPath)
		case err != nil:
			_ = writer.Close()
			return nil, fmt.Errorf("svc: restore checkpoint: %w", err)
		default:
			logx.WithContext(ctx).Infof("svc: restored %d open episodes from %s", len(svc.Tracker.Current()), c.CheckpointPath)
		}
	}

	var observers tickframe.Observers
	if c.CatalogEnabled() {
		store, err := catalog.Open(c.Catalog.Driver, c.Catalog.DSN, c.Catalog.MaxOpen, c.Catalog.MaxIdle)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			_ = writer.Close()
			return nil, err
		}
		svc.Catalog = store
		observers = append(observers, store)
	}

	rds := o.redis
	if rds == nil && c.RedisEnabled() {
		rds, err = redis.NewRedis(c.Redis)
		if err != nil {
			svc.closeStores()
			return nil, fmt.Errorf("svc: redis: %w", err)
		}
	}
	if rds != nil {
		svc.Mirror = cache.NewMirror(rds, cache.NewTTLSet(c.TTL))
		observers = append(observers, svc.Mirror)
	}

	mopts := []tickframe.Option{
		tickframe.WithTracker(svc.Tracker),
		tickframe.WithComposeWorkers(c.ComposeWorkers),
		tickframe.WithObserverQueue(c.ObserverQueue),
		tickframe.WithTimeStepper(stepperFor(c)),
	}
	if len(observers) > 0 {
		mopts = append(mopts, tickframe.WithObserver(observers))
	}
	mopts = append(mopts, o.managers...)

	svc.Manager, err = tickframe.NewManager(svc.Presence, writer, mopts...)
	if err != nil {
		svc.closeStores()
		return nil, err
	}
	return svc, nil
}

func stepperFor(c config.Config) tickframe.TimeStepper {
	if c.TimeStep == config.TimeStepClock {
		return tickframe.ClockSteps(c.Tick())
	}
	return tickframe.CounterSteps()
}

// Close checkpoints the tracker when configured, then closes the manager and
// the catalog.
func (s *ServiceContext) Close() error {
	var errs []error
	if s.Config.CheckpointPath != "" {
		if err := s.Manager.Checkpoint(s.Config.CheckpointPath); err != nil {
			errs = append(errs, fmt.Errorf("svc: checkpoint: %w", err))
		}
	}
	if err := s.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.Catalog != nil {
		if err := s.Catalog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ServiceContext) closeStores() {
	if s.Catalog != nil {
		_ = s.Catalog.Close()
	}
	_ = s.Writer.Close()
}
