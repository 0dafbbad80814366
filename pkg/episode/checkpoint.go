package episode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const checkpointVersion = 1

type checkpoint struct {
	Version  int       `msgpack:"version"`
	SavedAt  time.Time `msgpack:"saved_at"`
	Episodes []Episode `msgpack:"episodes"`
}

// Save writes the tracker state to path as MessagePack. The file is replaced
// atomically via a temporary sibling.
func (t *Tracker) Save(path string) error {
	data, err := msgpack.Marshal(checkpoint{
		Version:  checkpointVersion,
		SavedAt:  t.now().UTC(),
		Episodes: t.Snapshot(),
	})
	if err != nil {
		return fmt.Errorf("episode: encode checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("episode: checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("episode: checkpoint temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("episode: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("episode: close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("episode: replace checkpoint: %w", err)
	}
	return nil
}

// Load restores tracker state saved by Save. A missing file is reported with
// an error wrapping os.ErrNotExist.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("episode: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("episode: decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return fmt.Errorf("episode: unsupported checkpoint version %d", cp.Version)
	}
	return t.Restore(cp.Episodes)
}
