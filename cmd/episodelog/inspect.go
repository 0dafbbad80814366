package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"episodelog/pkg/journal"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [episode-file...]",
	Short: "Summarise episode journal files",
	Long: `Read episode_<id>.jsonl files and print one summary line each. Without
arguments every episode file in the data directory is inspected.`,
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if files, err = journal.ListEpisodeFiles(cfg.DataDir); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	for _, path := range files {
		if err := inspectFile(out, path); err != nil {
			return err
		}
	}
	return nil
}

// Summary aggregates one episode file.
type Summary struct {
	EpisodeID string
	Frames    int
	FirstStep int64
	LastStep  int64
	FirstTick int64
	LastTick  int64
	Reward    float64
	Events    int
	Done      bool
	Timeout   bool
}

func summarize(recs []journal.Record) Summary {
	var s Summary
	for i, rec := range recs {
		if i == 0 {
			s.EpisodeID = rec.EpisodeID
			s.FirstStep, s.FirstTick = rec.Step, rec.GlobalTick
		}
		s.LastStep, s.LastTick = rec.Step, rec.GlobalTick
		s.Reward += rec.Reward
		s.Events += len(rec.Events)
		s.Done = s.Done || rec.Done
		s.Timeout = s.Timeout || rec.Timeout
	}
	s.Frames = len(recs)
	return s
}

func inspectFile(out io.Writer, path string) error {
	recs, err := journal.ReadEpisode(path)
	if err != nil {
		return err
	}
	s := summarize(recs)
	_, err = fmt.Fprintf(out, "%s episode=%s frames=%d t=%d..%d ticks=%d..%d reward=%g events=%d done=%t timeout=%t\n",
		filepath.Base(path), s.EpisodeID, s.Frames, s.FirstStep, s.LastStep, s.FirstTick, s.LastTick, s.Reward, s.Events, s.Done, s.Timeout)
	return err
}
