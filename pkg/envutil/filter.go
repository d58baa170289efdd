// Package envutil provides utilities for environment variable handling.
//
// This package centralizes ducker's internal environment variables used to
// coordinate the launcher and the containerized init process.
package envutil

import "strings"

// Environment variable names used by ducker for internal process coordination.
const (
	// InitEnvVar triggers container init mode. Its value selects the stage,
	// see InitStageWait and InitStageRun. The init process is PID 1 inside
	// the container.
	InitEnvVar = "DUCKER_INIT"

	// ConfigPathEnvVar passes the path of the init configuration written
	// into the staged work directory.
	ConfigPathEnvVar = "DUCKER_CONFIG_PATH"

	// SyncFdEnvVar specifies the fd number of the synchronizer's read end.
	SyncFdEnvVar = "DUCKER_SYNC_FD"
)

// Init stages.
const (
	// InitStageWait blocks on the sync descriptor, then re-executes the
	// binary as InitStageRun. The exec happens after the launcher wrote the
	// id maps, so the new image starts with full capabilities in the user
	// namespace.
	InitStageWait = "1"

	// InitStageRun assembles the root filesystem and runs the workload.
	InitStageRun = "2"
)

// SyncFd is the descriptor the child sees for the synchronizer: the first
// entry of exec.Cmd.ExtraFiles.
const SyncFd = 3

// internalEnvPrefixes lists all DUCKER_* environment variable prefixes
// that should be filtered out before passing to container processes.
var internalEnvPrefixes = []string{
	InitEnvVar + "=",
	ConfigPathEnvVar + "=",
	SyncFdEnvVar + "=",
}

// FilterDuckerEnv removes all internal DUCKER_* variables from the list.
func FilterDuckerEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !IsDuckerEnv(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// IsDuckerEnv checks if the variable is an internal DUCKER_* variable.
// The input should be in "KEY=VALUE" format.
func IsDuckerEnv(envVar string) bool {
	for _, prefix := range internalEnvPrefixes {
		if strings.HasPrefix(envVar, prefix) {
			return true
		}
	}
	return false
}

// GetEnvValue returns the value of an environment variable from the list.
// Returns empty string if not found.
func GetEnvValue(env []string, key string) string {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return strings.TrimPrefix(e, prefix)
		}
	}
	return ""
}
