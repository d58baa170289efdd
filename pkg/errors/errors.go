// Package errors provides the error taxonomy for ducker.
//
// Every failure surfaced by the runtime carries a Kind that identifies the
// lifecycle step it came from. Callers match kinds with errors.Is against the
// sentinels below, e.g. errors.Is(err, derrors.ErrMount).
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which lifecycle step produced an error.
type Kind string

const (
	KindStaging  Kind = "staging"
	KindMount    Kind = "mount"
	KindSpawn    Kind = "spawn"
	KindIDMap    Kind = "idmap"
	KindNetwork  Kind = "network"
	KindCgroup   Kind = "cgroup"
	KindWait     Kind = "wait"
	KindTeardown Kind = "teardown"
	KindConfig   Kind = "config"
)

// Lifecycle errors
var (
	// ErrStaging indicates the work directory or image extraction failed.
	ErrStaging = errors.New("staging failed")

	// ErrMount indicates an overlay, pivot or virtual filesystem mount failed.
	ErrMount = errors.New("mount failed")

	// ErrSpawn indicates the namespaced child could not be created.
	ErrSpawn = errors.New("spawn failed")

	// ErrIDMap indicates writing the uid/gid maps failed.
	ErrIDMap = errors.New("id mapping failed")

	// ErrNetwork indicates bridge, veth or NAT setup failed.
	ErrNetwork = errors.New("network setup failed")

	// ErrCgroup indicates creating or writing the cgroup failed.
	ErrCgroup = errors.New("cgroup setup failed")

	// ErrWait indicates waiting for the child failed.
	ErrWait = errors.New("wait failed")

	// ErrTeardown indicates at least one teardown step failed.
	ErrTeardown = errors.New("teardown incomplete")

	// ErrInvalidConfig indicates the container configuration is invalid.
	ErrInvalidConfig = errors.New("invalid container configuration")
)

// Container state errors
var (
	// ErrContainerUsed indicates the container already ran once.
	ErrContainerUsed = errors.New("container has already been run")

	// ErrUnsupportedImage indicates the image suffix is not a known archive format.
	ErrUnsupportedImage = errors.New("unrecognized image format")
)

var sentinels = map[Kind]error{
	KindStaging:  ErrStaging,
	KindMount:    ErrMount,
	KindSpawn:    ErrSpawn,
	KindIDMap:    ErrIDMap,
	KindNetwork:  ErrNetwork,
	KindCgroup:   ErrCgroup,
	KindWait:     ErrWait,
	KindTeardown: ErrTeardown,
	KindConfig:   ErrInvalidConfig,
}

// Error is a failure tagged with the lifecycle step that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
