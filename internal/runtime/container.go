package runtime

import (
	"ducker/internal/config"
	"ducker/internal/workdir"
	"ducker/pkg/idutil"
)

// Container is one run of a workload. It may be passed to RunImage once.
type Container struct {
	// ID is a random 64-character hex identifier. The first 12 characters
	// appear in log fields and stand in for an empty host name.
	ID string

	config *config.ContainerConfig

	// workDir is nil until staged and set at most once.
	workDir *workdir.Dir

	// process is the spawned child, set once spawn succeeds.
	process Process

	used bool
}

// NewContainer validates cfg and keeps a private copy of it; later changes
// to cfg are not observed.
func NewContainer(cfg *config.ContainerConfig) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Container{
		ID:     idutil.GenerateID(),
		config: cfg.Clone(),
	}, nil
}

// ShortID returns the first 12 characters of the ID.
func (c *Container) ShortID() string {
	return idutil.ShortID(c.ID)
}

// Config returns a copy of the container's configuration.
func (c *Container) Config() *config.ContainerConfig {
	return c.config.Clone()
}

// HostName returns the configured host name, or the short ID when unset.
func (c *Container) HostName() string {
	if c.config.HostName != "" {
		return c.config.HostName
	}
	return c.ShortID()
}

// WorkDir returns the staged directory, or nil before staging.
func (c *Container) WorkDir() *workdir.Dir {
	return c.workDir
}

// Pid returns the child's pid, or 0 before spawn.
func (c *Container) Pid() int {
	if c.process == nil {
		return 0
	}
	return c.process.Pid()
}
