package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest/httpx"

	"episodelog/internal/catalog"
	"episodelog/internal/svc"
	"episodelog/internal/types"
	"episodelog/pkg/episode"
	"episodelog/pkg/frame"
	"episodelog/pkg/journal"
	"episodelog/pkg/tickframe"
	"episodelog/pkg/value"
)

func fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		logx.WithContext(r.Context()).Errorf("handler: %s %s: %v", r.Method, r.URL.Path, err)
	}
	httpx.WriteJsonCtx(r.Context(), w, code, map[string]string{"error": err.Error()})
}

func failErr(w http.ResponseWriter, r *http.Request, err error) {
	fail(w, r, http.StatusBadRequest, err)
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func StatusHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := svcCtx.Manager
		httpx.OkJsonCtx(r.Context(), w, types.StatusResp{
			Tick:     m.Tick(),
			TickOpen: m.TickOpen(),
			Subjects: m.ActiveSubjects(),
			Open:     len(svcCtx.Tracker.Current()),
		})
	}
}

func JoinSubjectHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubjectPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		changed := svcCtx.Presence.Join(tickframe.SubjectID(req.Subject))
		httpx.OkJsonCtx(r.Context(), w, types.SubjectResp{SubjectID: req.Subject, Active: true, Changed: changed})
	}
}

func LeaveSubjectHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubjectPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		changed := svcCtx.Presence.Leave(req.Subject)
		httpx.OkJsonCtx(r.Context(), w, types.SubjectResp{SubjectID: req.Subject, Active: false, Changed: changed})
	}
}

// EventHandler records an event on the subject's open frame. The body is an
// optional JSON object carried as the event data.
func EventHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.EventPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		var data value.Map
		if err := decodeBody(r, &data); err != nil {
			failErr(w, r, err)
			return
		}
		if !svcCtx.Manager.HandleEvent(r.Context(), req.Subject, req.Type, data) {
			fail(w, r, http.StatusNotFound, tickframe.ErrNoFrame)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, types.EventResp{SubjectID: req.Subject, Type: req.Type, Recorded: true})
	}
}

func GetFrameHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubjectPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		f, ok := svcCtx.Manager.GetCurrentFrame(req.Subject)
		if !ok {
			fail(w, r, http.StatusNotFound, tickframe.ErrNoFrame)
			return
		}
		httpx.OkJsonCtx(r.Context(), w, types.FrameResp{
			Record:    journal.RecordFromFrame(f),
			SubjectID: f.SubjectID(),
			Sealed:    f.Sealed(),
		})
	}
}

// UpdateFrameHandler sets state, action, reward or done on an open frame.
// Sealed frames are rejected with 409.
func UpdateFrameHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubjectPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		var body types.FrameUpdate
		if err := decodeBody(r, &body); err != nil {
			failErr(w, r, err)
			return
		}
		var resp types.FrameResp
		err := svcCtx.Manager.UpdateFrame(req.Subject, func(f *frame.Frame) {
			if body.State != nil {
				f.SetState(*body.State)
			}
			if body.Action != nil {
				f.SetAction(*body.Action)
			}
			if body.Reward != nil {
				f.SetReward(*body.Reward)
			}
			if body.Done != nil {
				f.SetDone(*body.Done)
			}
			resp = types.FrameResp{
				Record:    journal.RecordFromFrame(f),
				SubjectID: f.SubjectID(),
				Sealed:    f.Sealed(),
			}
		})
		switch {
		case errors.Is(err, tickframe.ErrNoFrame):
			fail(w, r, http.StatusNotFound, err)
		case errors.Is(err, tickframe.ErrFrameSealed):
			fail(w, r, http.StatusConflict, errors.New("frame already finalized"))
		case err != nil:
			failErr(w, r, err)
		default:
			httpx.OkJsonCtx(r.Context(), w, resp)
		}
	}
}

// ListEpisodesHandler serves the SQL catalog when configured and the
// in-memory tracker otherwise.
func ListEpisodesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.EpisodeListReq
		if err := httpx.ParseForm(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		if req.Limit < 0 {
			fail(w, r, http.StatusBadRequest, errors.New("limit cannot be negative"))
			return
		}
		if svcCtx.Catalog != nil {
			rows, err := svcCtx.Catalog.List(r.Context(), catalog.Filter{SubjectID: req.Subject, OpenOnly: req.OpenOnly, Limit: req.Limit})
			if err != nil {
				fail(w, r, http.StatusInternalServerError, err)
				return
			}
			resp := types.EpisodeListResp{Source: "catalog", Episodes: make([]types.EpisodeResp, 0, len(rows))}
			for _, row := range rows {
				resp.Episodes = append(resp.Episodes, fromRow(row))
			}
			httpx.OkJsonCtx(r.Context(), w, resp)
			return
		}

		resp := types.EpisodeListResp{Source: "tracker", Episodes: []types.EpisodeResp{}}
		for _, ep := range svcCtx.Tracker.Snapshot() {
			if req.Subject != "" && ep.SubjectID != req.Subject {
				continue
			}
			if req.OpenOnly && ep.Ended() {
				continue
			}
			resp.Episodes = append(resp.Episodes, fromEpisode(ep))
			if req.Limit > 0 && len(resp.Episodes) == req.Limit {
				break
			}
		}
		httpx.OkJsonCtx(r.Context(), w, resp)
	}
}

func EndEpisodeHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubjectPath
		if err := httpx.ParsePath(r, &req); err != nil {
			failErr(w, r, err)
			return
		}
		ep, ok := svcCtx.Manager.EndEpisode(r.Context(), req.Subject)
		if !ok {
			fail(w, r, http.StatusNotFound, fmt.Errorf("no open episode for subject %s", req.Subject))
			return
		}
		httpx.OkJsonCtx(r.Context(), w, fromEpisode(ep))
	}
}

func fromEpisode(ep episode.Episode) types.EpisodeResp {
	out := types.EpisodeResp{
		EpisodeID:   ep.ID,
		SubjectID:   ep.SubjectID,
		FileName:    journal.EpisodeFileName(ep.ID),
		StartedAtMs: ep.StartedAt.UnixMilli(),
		Frames:      ep.Frames,
		LastTick:    ep.LastTick,
		LastStep:    ep.LastStep,
		Reward:      ep.Reward,
		Terminal:    ep.Terminal,
	}
	if ep.Ended() {
		out.EndedAtMs = ep.EndedAt.UnixMilli()
	}
	return out
}

func fromRow(row *catalog.Row) types.EpisodeResp {
	return types.EpisodeResp{
		EpisodeID:   row.EpisodeID,
		SubjectID:   row.SubjectID,
		FileName:    row.FileName,
		StartedAtMs: row.StartedAtMs,
		EndedAtMs:   row.EndedAtMs.Int64,
		Frames:      row.Frames,
		LastTick:    row.LastTick,
		LastStep:    row.LastStep,
		Reward:      row.TotalReward,
		Terminal:    row.Terminal,
	}
}
