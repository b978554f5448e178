// Package docker implements the sandbox driver and image catalog on top of
// the Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
)

// API is the subset of the Docker client the driver uses
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Driver runs sandboxes as Docker containers
type Driver struct {
	api    API
	logger *zap.Logger
}

var (
	_ sandbox.Driver       = (*Driver)(nil)
	_ sandbox.ImageCatalog = (*Driver)(nil)
)

// NewFromEnv connects using DOCKER_HOST and friends and verifies the daemon answers
func NewFromEnv(ctx context.Context, logger *zap.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	d := New(cli, logger)
	if err := d.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing API client
func New(api API, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{api: api, logger: logger.Named("docker")}
}

// Ping checks that the daemon answers
func (d *Driver) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.api.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Close releases the client connection
func (d *Driver) Close() error {
	return d.api.Close()
}

// Create creates (but does not start) a container for spec
func (d *Driver) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	cfg, hostCfg := buildConfig(spec)

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", sandbox.RuntimeError("create", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("Container create warning", zap.String("container", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

// Start transitions a created or exited container to running
func (d *Driver) Start(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return sandbox.RuntimeError("start", err)
	}
	return nil
}

// Inspect reports whether the container runs or can be started in place
func (d *Driver) Inspect(ctx context.Context, id string) (sandbox.Status, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return sandbox.Status{}, nil
		}
		return sandbox.Status{}, sandbox.RuntimeError("inspect", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return sandbox.Status{}, nil
	}

	st := info.State
	return sandbox.Status{
		Running:   st.Running && !st.Paused,
		Startable: !st.Running && !st.Dead && !st.Restarting && st.Status != "removing",
	}, nil
}

// AttachOutput follows the container's combined stdout and stderr. Docker
// replays the whole log of a restarted container unless since is set.
func (d *Driver) AttachOutput(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}
	if !since.IsZero() {
		opts.Since = logsSince(since)
	}
	logs, err := d.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, sandbox.RuntimeError("attach", err)
	}

	// Non-TTY containers multiplex both streams; demux into one pipe
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		logs.Close()
		pw.CloseWithError(err)
	}()

	return &demuxedOutput{PipeReader: pr, src: logs}, nil
}

// Stop asks the container to exit, killing it after grace
func (d *Driver) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(math.Ceil(grace.Seconds()))
	err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	switch {
	case err == nil, errdefs.IsNotFound(err), errdefs.IsNotModified(err):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", sandbox.ErrTimeout, err)
	default:
		return sandbox.RuntimeError("stop", err)
	}
}

// Remove deletes the container; a container that is already gone is not an error
func (d *Driver) Remove(ctx context.Context, id string, force bool) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) || isRemovalInProgress(err) {
		return nil
	}
	return sandbox.RuntimeError("remove", err)
}

func isRemovalInProgress(err error) bool {
	return errdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress")
}

// WaitExit resolves once with the container's exit status
func (d *Driver) WaitExit(ctx context.Context, id string) <-chan sandbox.ExitStatus {
	out := make(chan sandbox.ExitStatus, 1)
	waitCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	go func() {
		defer close(out)

		var status sandbox.ExitStatus
		select {
		case resp := <-waitCh:
			status.Code = resp.StatusCode
			if resp.Error != nil && resp.Error.Message != "" {
				status.Err = errors.New(resp.Error.Message)
			}
		case err := <-errCh:
			if errdefs.IsNotFound(err) {
				// Removed before we could observe the exit
				status.Code = -1
			} else {
				status.Err = err
			}
		}
		status.At = time.Now()

		inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if info, err := d.api.ContainerInspect(inspectCtx, id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
			status.OOMKilled = info.State.OOMKilled
		}
		cancel()

		out <- status
	}()

	return out
}

// ImagePresent reports whether ref exists in the local image store
func (d *Driver) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// PullImage pulls ref and blocks until the daemon finishes, returning the
// terminal error from the progress stream if there is one
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	return drainPull(rc)
}

func drainPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pull progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
	}
}

// buildConfig translates a sandbox spec into Docker's create parameters
func buildConfig(spec sandbox.Spec) (*container.Config, *container.HostConfig) {
	labels := map[string]string{sandbox.LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             spec.Env,
		WorkingDir:      spec.WorkDir,
		Labels:          labels,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: spec.Limits.NetworkMode == "none",
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.Limits.NetworkMode),
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes,
			NanoCPUs:   spec.Limits.NanoCPUs,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	return cfg, hostCfg
}

// demuxedOutput closes the upstream log stream when the reader is closed so
// the demux goroutine exits
type demuxedOutput struct {
	*io.PipeReader
	src io.Closer
}

func (o *demuxedOutput) Close() error {
	o.src.Close()
	return o.PipeReader.Close()
}

// logsSince formats t as the seconds.nanoseconds timestamp the logs API takes
func logsSince(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}
