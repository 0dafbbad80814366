package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"episodelog/pkg/episode"
	"episodelog/pkg/tickframe"
)

var _ tickframe.Observer = (*Mirror)(nil)

// Mirror keeps Redis in step with the tracker: which episode each subject is
// in and how far every episode has progressed. Readers outside the process
// (dashboards, the REST layer of another replica) use it instead of the
// journal files.
type Mirror struct {
	rds *redis.Redis
	ttl TTLSet
}

func NewMirror(rds *redis.Redis, ttl TTLSet) *Mirror {
	return &Mirror{rds: rds, ttl: ttl}
}

// LastFrame is the cached summary of a subject's latest written frame.
type LastFrame struct {
	EpisodeID string  `json:"episode_id"`
	Tick      int64   `json:"tick"`
	Step      int64   `json:"t"`
	Reward    float64 `json:"reward"`
	Done      bool    `json:"done"`
	Timeout   bool    `json:"timeout"`
	Events    int     `json:"events"`
}

func (m *Mirror) EpisodeStarted(ctx context.Context, ep episode.Episode) error {
	if err := m.rds.SetexCtx(ctx, SubjectEpisodeKey(ep.SubjectID), ep.ID, seconds(ActiveEpisodeTTL(m.ttl))); err != nil {
		return fmt.Errorf("cache: set subject episode %s: %w", ep.SubjectID, err)
	}
	return m.writeProgress(ctx, ep, ActiveEpisodeTTL(m.ttl))
}

func (m *Mirror) FrameWritten(ctx context.Context, rec tickframe.FrameRecord) error {
	if err := m.writeProgress(ctx, rec.Episode, ActiveEpisodeTTL(m.ttl)); err != nil {
		return err
	}
	if err := m.rds.ExpireCtx(ctx, SubjectEpisodeKey(rec.SubjectID), seconds(ActiveEpisodeTTL(m.ttl))); err != nil {
		return fmt.Errorf("cache: refresh subject episode %s: %w", rec.SubjectID, err)
	}
	payload, err := json.Marshal(LastFrame{
		EpisodeID: rec.Episode.ID,
		Tick:      rec.Tick,
		Step:      rec.Step,
		Reward:    rec.Reward,
		Done:      rec.Done,
		Timeout:   rec.Timeout,
		Events:    rec.Events,
	})
	if err != nil {
		return fmt.Errorf("cache: encode last frame: %w", err)
	}
	if err := m.rds.SetexCtx(ctx, LastFrameKey(rec.SubjectID), string(payload), seconds(LastFrameTTL(m.ttl))); err != nil {
		return fmt.Errorf("cache: set last frame %s: %w", rec.SubjectID, err)
	}
	if err := m.rds.SetexCtx(ctx, TickKey(), strconv.FormatInt(rec.Tick, 10), seconds(TickTTL(m.ttl))); err != nil {
		return fmt.Errorf("cache: set tick: %w", err)
	}
	return nil
}

func (m *Mirror) EpisodeEnded(ctx context.Context, ep episode.Episode) error {
	current, err := m.rds.GetCtx(ctx, SubjectEpisodeKey(ep.SubjectID))
	if err != nil {
		return fmt.Errorf("cache: get subject episode %s: %w", ep.SubjectID, err)
	}
	// A newer episode may already own the key.
	if current == ep.ID {
		if _, err := m.rds.DelCtx(ctx, SubjectEpisodeKey(ep.SubjectID)); err != nil {
			return fmt.Errorf("cache: clear subject episode %s: %w", ep.SubjectID, err)
		}
	}
	return m.writeProgress(ctx, ep, EndedEpisodeTTL(m.ttl))
}

// CurrentEpisode returns the mirrored open episode id of a subject.
func (m *Mirror) CurrentEpisode(ctx context.Context, subjectID string) (string, bool, error) {
	id, err := m.rds.GetCtx(ctx, SubjectEpisodeKey(subjectID))
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// Progress returns the mirrored progress hash of an episode.
func (m *Mirror) Progress(ctx context.Context, episodeID string) (map[string]string, error) {
	return m.rds.HgetallCtx(ctx, EpisodeKey(episodeID))
}

// LastFrame returns the cached summary of the subject's latest frame.
func (m *Mirror) LastFrame(ctx context.Context, subjectID string) (LastFrame, bool, error) {
	raw, err := m.rds.GetCtx(ctx, LastFrameKey(subjectID))
	if err != nil || raw == "" {
		return LastFrame{}, false, err
	}
	var lf LastFrame
	if err := json.Unmarshal([]byte(raw), &lf); err != nil {
		return LastFrame{}, false, fmt.Errorf("cache: decode last frame %s: %w", subjectID, err)
	}
	return lf, true, nil
}

func (m *Mirror) writeProgress(ctx context.Context, ep episode.Episode, ttl time.Duration) error {
	key := EpisodeKey(ep.ID)
	fields := map[string]string{
		"subject_id":    ep.SubjectID,
		"started_at_ms": strconv.FormatInt(ep.StartedAt.UnixMilli(), 10),
		"frames":        strconv.FormatInt(ep.Frames, 10),
		"last_tick":     strconv.FormatInt(ep.LastTick, 10),
		"last_step":     strconv.FormatInt(ep.LastStep, 10),
		"reward":        strconv.FormatFloat(ep.Reward, 'g', -1, 64),
		"terminal":      strconv.FormatBool(ep.Terminal),
	}
	if ep.Ended() {
		fields["ended_at_ms"] = strconv.FormatInt(ep.EndedAt.UnixMilli(), 10)
	}
	if err := m.rds.HmsetCtx(ctx, key, fields); err != nil {
		return fmt.Errorf("cache: write progress %s: %w", ep.ID, err)
	}
	if err := m.rds.ExpireCtx(ctx, key, seconds(ttl)); err != nil {
		return fmt.Errorf("cache: expire progress %s: %w", ep.ID, err)
	}
	return nil
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
