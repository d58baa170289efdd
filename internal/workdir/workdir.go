// Package workdir allocates the per-run staging directory.
//
// Layout:
//
//	<parent>/ducker-tmp-abc123/
//	├── image/      extracted archive (overlay upper layer)
//	├── upper/
//	├── work/       overlay work directory
//	├── root/       overlay mount point, later the pivot target
//	└── init.json   configuration for the containerized init
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectory names.
const (
	ImageDir = "image"
	UpperDir = "upper"
	WorkDir  = "work"
	RootDir  = "root"

	// InitConfigFile is read by the containerized init before the pivot.
	InitConfigFile = "init.json"
)

// Mode is applied to the top-level directory after creation.
const Mode os.FileMode = 0777

// Dir is an allocated staging directory.
type Dir struct {
	path string
}

// Allocate creates a uniquely named directory under parent (os.TempDir()
// when empty) from template, whose trailing X characters become the random
// suffix, and creates the four subdirectories.
func Allocate(parent, template string) (*Dir, error) {
	pattern := strings.TrimRight(template, "X")
	if pattern == template {
		pattern = template + "-"
	}
	pattern += "*"

	path, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	d := &Dir{path: path}

	// MkdirTemp creates the directory 0700.
	if err := os.Chmod(path, Mode); err != nil {
		_ = d.Remove()
		return nil, fmt.Errorf("chmod work directory: %w", err)
	}

	for _, sub := range []string{ImageDir, UpperDir, WorkDir, RootDir} {
		if err := os.Mkdir(filepath.Join(path, sub), 0755); err != nil {
			_ = d.Remove()
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	return d, nil
}

// Path returns the absolute path of the directory.
func (d *Dir) Path() string { return d.path }

func (d *Dir) Image() string { return filepath.Join(d.path, ImageDir) }
func (d *Dir) Work() string  { return filepath.Join(d.path, WorkDir) }
func (d *Dir) Root() string  { return filepath.Join(d.path, RootDir) }

// InitConfig returns the path of the init configuration file.
func (d *Dir) InitConfig() string { return filepath.Join(d.path, InitConfigFile) }

// Remove deletes the directory tree. A missing directory is not an error.
func (d *Dir) Remove() error {
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("remove work directory %s: %w", d.path, err)
	}
	return nil
}
