// Package catalog indexes episodes in SQL so tooling can find journal files
// without scanning the data directory. It is fed by manager observer hooks.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	_ "modernc.org/sqlite" // register sqlite driver

	"episodelog/pkg/episode"
	"episodelog/pkg/journal"
	"episodelog/pkg/tickframe"
)

var (
	_ tickframe.Observer = (*Store)(nil)

	ErrNotFound = errors.New("catalog: episode not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
    episode_id    TEXT PRIMARY KEY,
    subject_id    TEXT NOT NULL,
    file_name     TEXT NOT NULL,
    started_at_ms BIGINT NOT NULL,
    ended_at_ms   BIGINT NULL,
    frames        BIGINT NOT NULL DEFAULT 0,
    last_tick     BIGINT NOT NULL DEFAULT 0,
    last_step     BIGINT NOT NULL DEFAULT 0,
    total_reward  DOUBLE PRECISION NOT NULL DEFAULT 0,
    terminal      BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at_ms BIGINT NOT NULL
)`

const subjectIndex = `CREATE INDEX IF NOT EXISTS episodes_subject_idx ON episodes (subject_id, started_at_ms)`

const columns = `episode_id, subject_id, file_name, started_at_ms, ended_at_ms, frames, last_tick, last_step, total_reward, terminal, updated_at_ms`

// Row is one catalogued episode.
type Row struct {
	EpisodeID   string        `db:"episode_id" json:"episode_id"`
	SubjectID   string        `db:"subject_id" json:"subject_id"`
	FileName    string        `db:"file_name" json:"file_name"`
	StartedAtMs int64         `db:"started_at_ms" json:"started_at_ms"`
	EndedAtMs   sql.NullInt64 `db:"ended_at_ms" json:"-"`
	Frames      int64         `db:"frames" json:"frames"`
	LastTick    int64         `db:"last_tick" json:"last_tick"`
	LastStep    int64         `db:"last_step" json:"last_step"`
	TotalReward float64       `db:"total_reward" json:"total_reward"`
	Terminal    bool          `db:"terminal" json:"terminal"`
	UpdatedAtMs int64         `db:"updated_at_ms" json:"updated_at_ms"`
}

// Open reports whether the episode has not been ended yet.
func (r *Row) Open() bool { return !r.EndedAtMs.Valid }

// Filter narrows List. Zero values match everything.
type Filter struct {
	SubjectID string
	OpenOnly  bool
	Limit     int
}

// Store is the SQL episode catalog.
type Store struct {
	conn sqlx.SqlConn
	db   *sql.DB
	now  func() time.Time
}

// NewStore wraps an existing connection. Close is a no-op for such stores.
func NewStore(conn sqlx.SqlConn) *Store {
	return &Store{conn: conn, now: time.Now}
}

// Open connects with driver (pgx or sqlite) and applies pool limits.
func Open(driver, dsn string, maxOpen, maxIdle int) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("catalog: dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", driver, err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	s := NewStore(sqlx.NewSqlConnFromDB(db))
	s.db = db
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the episodes table and its index.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{schema, subjectIndex} {
		if _, err := s.conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: migrate: %w", err)
		}
	}
	return nil
}

// Upsert inserts or refreshes the row for ep.
func (s *Store) Upsert(ctx context.Context, ep episode.Episode) error {
	const stmt = `
INSERT INTO episodes (` + columns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (episode_id) DO UPDATE SET
    ended_at_ms = excluded.ended_at_ms,
    frames = excluded.frames,
    last_tick = excluded.last_tick,
    last_step = excluded.last_step,
    total_reward = excluded.total_reward,
    terminal = excluded.terminal,
    updated_at_ms = excluded.updated_at_ms`
	ended := sql.NullInt64{}
	if ep.Ended() {
		ended = sql.NullInt64{Int64: ep.EndedAt.UnixMilli(), Valid: true}
	}
	if _, err := s.conn.ExecCtx(ctx, stmt,
		ep.ID,
		ep.SubjectID,
		journal.EpisodeFileName(ep.ID),
		ep.StartedAt.UnixMilli(),
		ended,
		ep.Frames,
		ep.LastTick,
		ep.LastStep,
		ep.Reward,
		ep.Terminal,
		s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", ep.ID, err)
	}
	return nil
}

func (s *Store) EpisodeStarted(ctx context.Context, ep episode.Episode) error {
	return s.Upsert(ctx, ep)
}

func (s *Store) FrameWritten(ctx context.Context, rec tickframe.FrameRecord) error {
	return s.Upsert(ctx, rec.Episode)
}

func (s *Store) EpisodeEnded(ctx context.Context, ep episode.Episode) error {
	return s.Upsert(ctx, ep)
}

// Get returns one episode by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, episodeID string) (*Row, error) {
	const q = `SELECT ` + columns + ` FROM episodes WHERE episode_id = $1`
	var row Row
	err := s.conn.QueryRowCtx(ctx, &row, q, episodeID)
	switch {
	case errors.Is(err, sqlx.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("catalog: get %s: %w", episodeID, err)
	}
	return &row, nil
}

// List returns episodes ordered by start time.
func (s *Store) List(ctx context.Context, f Filter) ([]*Row, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "ended_at_ms IS NULL")
	}
	q := `SELECT ` + columns + ` FROM episodes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at_ms, episode_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []*Row
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return rows, nil
}
