// Package sandbox defines the capability the lifecycle manager needs from a
// container or process runtime. Backends live under internal/sandbox.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Labels set on every sandbox so operators can trace it back to its owner
const (
	LabelManaged = "nighthost.managed"
	LabelServer  = "nighthost.server"
	LabelEpoch   = "nighthost.epoch"
)

var (
	// ErrRuntime wraps backend rejections (bad image, invalid mount, quota)
	ErrRuntime = errors.New("sandbox runtime error")
	// ErrTimeout reports that a sandbox ignored its grace period
	ErrTimeout = errors.New("sandbox stop grace period exceeded")
)

// RuntimeError wraps a backend failure for a named operation
func RuntimeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRuntime, op, err)
}

// Mount binds a host path into the sandbox
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits bounds the resources a sandbox may use
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	// NetworkMode is passed to the backend verbatim; "none" isolates the sandbox
	NetworkMode string
}

// Spec describes a sandbox to create
type Spec struct {
	Name    string
	Image   string
	Command []string
	WorkDir string
	Mounts  []Mount
	Limits  Limits
	Env     []string
	Labels  map[string]string
}

// Status is the backend's view of an existing sandbox
type Status struct {
	Running bool
	// Startable is true when the sandbox exists and can be started in place
	Startable bool
}

// ExitStatus describes how a sandbox terminated
type ExitStatus struct {
	Code      int64
	OOMKilled bool
	Err       error
	At        time.Time
}

func (e ExitStatus) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("exit error: %v", e.Err)
	case e.OOMKilled:
		return fmt.Sprintf("killed (out of memory, code %d)", e.Code)
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Driver is a thin capability over an execution backend
type Driver interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Status, error)
	// AttachOutput streams stdout and stderr interleaved until the sandbox
	// exits. A non-zero since skips output written before it.
	AttachOutput(ctx context.Context, id string, since time.Time) (io.ReadCloser, error)
	// Stop requests graceful termination; it does not guarantee completion
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Remove releases backend resources; removing a missing sandbox succeeds
	Remove(ctx context.Context, id string, force bool) error
	// WaitExit resolves exactly once when the sandbox terminates
	WaitExit(ctx context.Context, id string) <-chan ExitStatus
}

// ImageCatalog is the image side of a backend, consumed by the resolver
type ImageCatalog interface {
	ImagePresent(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
}
