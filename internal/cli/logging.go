package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"episodelog/internal/config"
	"episodelog/internal/scenario"
	"episodelog/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	catalog := presence(cfg.CatalogEnabled())
	if cfg.CatalogEnabled() {
		catalog = fmt.Sprintf("%s (%s)", catalog, cfg.Catalog.Driver)
	}
	server := presence(cfg.ServerEnabled())
	if cfg.ServerEnabled() {
		server = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	checkpoint := cfg.CheckpointPath
	if checkpoint == "" {
		checkpoint = "disabled"
	}

	return []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Data dir: %s", cfg.DataDir),
		fmt.Sprintf("Tick: %s (%s time steps, %d compose workers)", cfg.Tick(), cfg.TimeStep, cfg.ComposeWorkers),
		fmt.Sprintf("Sync writes: %t", cfg.SyncWrites),
		fmt.Sprintf("Checkpoint: %s", checkpoint),
		fmt.Sprintf("Catalog: %s", catalog),
		fmt.Sprintf("Redis: %s", presence(cfg.RedisEnabled())),
		fmt.Sprintf("Server: %s", server),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		sectionLine("Scenario", cfg.Scenario),
	}
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

// ResultLines renders a scenario run summary.
func ResultLines(res *scenario.Result) []string {
	if res == nil {
		return []string{"Result: <nil>"}
	}
	return []string{
		fmt.Sprintf("Ticks: %d", res.Ticks),
		fmt.Sprintf("Frames: %d written / %d composed / %d dropped", res.Written, res.Frames, res.Dropped),
		fmt.Sprintf("Failures: %d composer / %d write", res.ComposerFailures, res.WriteFailures),
		fmt.Sprintf("Events: %d recorded / %d dropped", res.EventsRecorded, res.EventsDropped),
		fmt.Sprintf("Episodes: %d seen / %d ended", len(res.EpisodeIDs), res.EpisodesEnded),
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
