// Package cgroups creates and removes the per-run cgroup directories.
//
// On a v1 (per-controller) host every configured resource gets its own
// directory:
//
//	/sys/fs/cgroup/<resource>/ducker.cgroup.<pid>/
//
// On a v2 (unified) host all entries share one directory:
//
//	/sys/fs/cgroup/ducker.cgroup.<pid>/
//
// The pid is the launcher's; the container inherits membership at spawn.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"ducker/internal/config"
	derrors "ducker/pkg/errors"

	"github.com/sirupsen/logrus"
)

const (
	// Prefix names every directory created by ducker.
	Prefix = "ducker.cgroup."

	dirMode = 0700

	tasksFileV1 = "tasks"
	tasksFileV2 = "cgroup.procs"
)

// Controller manages the cgroup directories under one cgroup mount root.
type Controller struct {
	root string
	log  logrus.FieldLogger

	// removeDir is os.Remove on a real cgroupfs, where control files do not
	// count as directory contents.
	removeDir func(string) error
}

// NewController returns a Controller rooted at root (usually /sys/fs/cgroup).
func NewController(root string, log logrus.FieldLogger) *Controller {
	return &Controller{root: root, log: log, removeDir: os.Remove}
}

// Name returns the directory name used for pid.
func Name(pid int) string {
	return Prefix + strconv.Itoa(pid)
}

// Path returns the directory that holds resource's settings for pid.
func (c *Controller) Path(resource string, pid int) string {
	if c.unified() {
		return filepath.Join(c.root, Name(pid))
	}
	return filepath.Join(c.root, resource, Name(pid))
}

// Init creates the directories, adds pid to them and writes every entry's
// value. The first failure aborts; later entries are not applied. An
// existing directory is reused.
func (c *Controller) Init(entries []config.CgroupEntry, pid int) error {
	unified := c.unified()
	tasks := tasksFileV1
	if unified {
		tasks = tasksFileV2
	}

	for _, e := range entries {
		if unified {
			if err := c.enableController(e.Resource); err != nil {
				return derrors.New(derrors.KindCgroup, "enable "+e.Resource, err)
			}
		}

		dir := c.Path(e.Resource, pid)
		c.log.Debugf("+ mkdir %s", dir)
		if err := os.Mkdir(dir, dirMode); err != nil && !errors.Is(err, os.ErrExist) {
			return derrors.New(derrors.KindCgroup, "create "+dir, err)
		}

		if err := writeFile(filepath.Join(dir, tasks), strconv.Itoa(pid)); err != nil {
			return derrors.New(derrors.KindCgroup, "attach pid to "+dir, err)
		}

		c.log.Debugf("+ echo %s > %s", e.Value, filepath.Join(dir, e.Variable))
		if err := writeFile(filepath.Join(dir, e.Variable), e.Value); err != nil {
			return derrors.New(derrors.KindCgroup, "set "+e.Variable, err)
		}
	}
	return nil
}

// Clean moves pid back to the root group of each resource and removes the
// directories Init created. Missing directories are skipped; every entry is
// attempted and the errors are joined.
func (c *Controller) Clean(entries []config.CgroupEntry, pid int) error {
	var errs []error

	if c.unified() {
		if len(entries) > 0 {
			errs = append(errs, c.clean(c.root, filepath.Join(c.root, Name(pid)), tasksFileV2, pid))
		}
	} else {
		for _, e := range entries {
			resourceRoot := filepath.Join(c.root, e.Resource)
			errs = append(errs, c.clean(resourceRoot, filepath.Join(resourceRoot, Name(pid)), tasksFileV1, pid))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return derrors.New(derrors.KindCgroup, "clean", err)
	}
	return nil
}

func (c *Controller) clean(parent, dir, tasks string, pid int) error {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := writeFile(filepath.Join(parent, tasks), strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("move pid %d to %s: %w", pid, parent, err)
	}

	c.log.Debugf("+ rmdir %s", dir)
	if err := c.removeDir(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// writeFile writes a cgroup control file.
func writeFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

// readFile reads a cgroup control file.
func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
