package types

import (
	"episodelog/pkg/journal"
	"episodelog/pkg/value"
)

type SubjectPath struct {
	Subject string `path:"subject"`
}

type EventPath struct {
	Subject string `path:"subject"`
	Type    string `path:"type"`
}

type EpisodeListReq struct {
	Subject  string `form:"subject,optional"`
	OpenOnly bool   `form:"open,optional"`
	Limit    int    `form:"limit,optional"`
}

// FrameUpdate carries the optional state and action payloads of a frame.
type FrameUpdate struct {
	State  *value.Value `json:"state,omitempty"`
	Action *value.Value `json:"action,omitempty"`
	Reward *float64     `json:"reward,omitempty"`
	Done   *bool        `json:"done,omitempty"`
}

type EventResp struct {
	SubjectID string `json:"subject_id"`
	Type      string `json:"type"`
	Recorded  bool   `json:"recorded"`
}

type FrameResp struct {
	journal.Record
	SubjectID string `json:"subject_id"`
	Sealed    bool   `json:"sealed"`
}

type SubjectResp struct {
	SubjectID string `json:"subject_id"`
	Active    bool   `json:"active"`
	Changed   bool   `json:"changed"`
}

type EpisodeResp struct {
	EpisodeID   string  `json:"episode_id"`
	SubjectID   string  `json:"subject_id"`
	FileName    string  `json:"file_name"`
	StartedAtMs int64   `json:"started_at_ms"`
	EndedAtMs   int64   `json:"ended_at_ms,omitempty"`
	Frames      int64   `json:"frames"`
	LastTick    int64   `json:"last_tick"`
	LastStep    int64   `json:"last_step"`
	Reward      float64 `json:"reward"`
	Terminal    bool    `json:"terminal"`
}

type EpisodeListResp struct {
	Source   string        `json:"source"`
	Episodes []EpisodeResp `json:"episodes"`
}

type StatusResp struct {
	Tick     int64    `json:"tick"`
	TickOpen bool     `json:"tick_open"`
	Subjects []string `json:"subjects"`
	Open     int      `json:"open_episodes"`
}
