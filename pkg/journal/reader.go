package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxLineBytes = 16 << 20

// ReadEpisode parses every record of an episode file in order. Blank lines
// are skipped.
func ReadEpisode(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	var out []Record
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return out, fmt.Errorf("journal: %s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("journal: read %s: %w", path, err)
	}
	return out, nil
}

// ListEpisodeFiles returns the episode files in dir, sorted by name.
func ListEpisodeFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "episode_*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
