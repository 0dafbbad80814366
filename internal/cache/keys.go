package cache

import (
	"strings"
	"time"

	"episodelog/internal/config"
)

// Namespace is the Redis key prefix for episodelog.
const Namespace = "episodelog"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// SubjectEpisodeKey holds the id of the subject's open episode.
func SubjectEpisodeKey(subjectID string) string {
	return formatKey("subject", subjectID, "episode")
}

// EpisodeKey is the progress hash of one episode.
func EpisodeKey(episodeID string) string {
	return formatKey("episode", episodeID)
}

// LastFrameKey caches a summary of the subject's most recent written frame.
func LastFrameKey(subjectID string) string {
	return formatKey("subject", subjectID, "frame")
}

func TickKey() string {
	return formatKey("tick")
}

// ActiveEpisodeTTL covers an episode that is still receiving frames.
func ActiveEpisodeTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}

// EndedEpisodeTTL keeps an ended episode visible for a short while.
func EndedEpisodeTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLMedium)
}

func LastFrameTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLShort)
}

// TickTTL doubles the short class so a slow host does not flap the key.
func TickTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLShort, 2)
}
