package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Unified reports whether root is a cgroup v2 hierarchy. cgroup.controllers
// only exists at the top of a v2 mount.
func Unified(root string) bool {
	_, err := os.Stat(filepath.Join(root, "cgroup.controllers"))
	return err == nil
}

func (c *Controller) unified() bool {
	return Unified(c.root)
}

// availableControllers lists the controllers in the root's cgroup.controllers.
func (c *Controller) availableControllers() ([]string, error) {
	data, err := readFile(filepath.Join(c.root, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("read cgroup.controllers: %w", err)
	}
	return strings.Fields(data), nil
}

// enableController turns resource on in the root's cgroup.subtree_control
// so child groups get its interface files.
func (c *Controller) enableController(resource string) error {
	available, err := c.availableControllers()
	if err != nil {
		return err
	}
	found := false
	for _, name := range available {
		if name == resource {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("controller %q not available (have %s)", resource, strings.Join(available, " "))
	}

	controlPath := filepath.Join(c.root, "cgroup.subtree_control")
	enabled, err := readFile(controlPath)
	if err == nil {
		for _, name := range strings.Fields(enabled) {
			if name == resource {
				return nil
			}
		}
	}

	c.log.Debugf("+ echo +%s > %s", resource, controlPath)
	if err := writeFile(controlPath, "+"+resource); err != nil {
		return fmt.Errorf("enable %s in %s: %w", resource, controlPath, err)
	}
	return nil
}
