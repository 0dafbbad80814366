// Package confkit holds small helpers shared by the config loaders: path
// resolution, go-zero file loading and sections kept in separate files.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeromicro/go-zero/core/conf"
)

// ResolvePath expands environment variables in file and joins it to base
// unless it is already absolute. An empty file stays empty.
func ResolvePath(base, file string) string {
	file = strings.TrimSpace(os.ExpandEnv(file))
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// LoadFile loads a go-zero config file (yaml, json or toml) into T.
func LoadFile[T any](path string, useEnv bool) (*T, error) {
	var cfg T
	var opts []conf.Option
	if useEnv {
		opts = append(opts, conf.UseEnv())
	}
	if err := conf.Load(path, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// Section is a config block stored in its own file and loaded by a
// package-specific loader.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Configured reports whether a file was named.
func (s Section[T]) Configured() bool { return strings.TrimSpace(s.File) != "" }

// Hydrate resolves File against base and loads it. Without a file it is a
// no-op.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if !s.Configured() {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return err
	}
	s.File, s.Value = p, v
	return nil
}
