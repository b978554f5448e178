package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/image"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
	"github.com/GriffinCanCode/nighthost/backend/internal/events"
)

const (
	defaultStopGrace    = 10 * time.Second
	defaultRestartDelay = time.Second
	// stopSlack bounds how long past the grace period we wait on the backend
	stopSlack     = 15 * time.Second
	removeTimeout = 30 * time.Second
)

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Cleanup reports how completely Stop released a sandbox
type Cleanup string

const (
	CleanupNone     Cleanup = "none"
	CleanupSuccess  Cleanup = "success"
	CleanupDegraded Cleanup = "degraded"
	CleanupFailed   Cleanup = "failed"
)

// StartResult describes the outcome of Start or Restart
type StartResult struct {
	Resumed bool           `json:"resumed"`
	State   identity.State `json:"status"`
	Epoch   uint64         `json:"epoch"`
}

// StopResult describes the outcome of Stop
type StopResult struct {
	State   identity.State `json:"status"`
	Cleanup Cleanup        `json:"cleanup"`
}

// ImageEnsurer makes an image available locally; satisfied by image.Resolver
type ImageEnsurer interface {
	Ensure(ctx context.Context, ref string) error
}

// Output receives status lines and sandbox output; satisfied by logstream.Hub
type Output interface {
	Publish(serverID, line string)
	Attach(serverID string, epoch uint64, stream io.ReadCloser) <-chan struct{}
}

// Recorder receives lifecycle metrics; satisfied by monitoring.Metrics
type Recorder interface {
	RecordLifecycleOp(op, outcome string, duration time.Duration)
	RecordStopCleanup(outcome string)
	RecordSandboxExit(oomKilled bool)
	SetActiveSandboxes(n int)
}

// Config bounds what a sandbox may do and how long lifecycle steps wait
type Config struct {
	Runtimes     Runtimes
	Limits       sandbox.Limits
	StopGrace    time.Duration
	RestartDelay time.Duration
	// MountTarget is where the work directory appears inside the sandbox
	MountTarget string
	// BaseEnv is added to every sandbox unless the caller sets the same key
	BaseEnv []string
}

// DefaultConfig returns the limits used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Runtimes: DefaultRuntimes(),
		Limits: sandbox.Limits{
			MemoryBytes: 256 << 20,
			NanoCPUs:    500_000_000,
			PidsLimit:   128,
			NetworkMode: "none",
		},
		StopGrace:    defaultStopGrace,
		RestartDelay: defaultRestartDelay,
		MountTarget:  "/app",
		BaseEnv:      []string{"HOME=/tmp", "PYTHONDONTWRITEBYTECODE=1"},
	}
}

// Manager drives hosted bots through their lifecycle. Commands for one
// server run strictly one after another; different servers never wait on
// each other. Without a driver it runs in simulated mode and only moves
// registry state.
type Manager struct {
	registry *identity.Registry
	driver   sandbox.Driver
	images   ImageEnsurer
	output   Output
	cfg      Config
	locks    keyedMutex
	logger   *zap.Logger
	metrics  Recorder
	events   events.Sink

	// ctx outlives requests; watchers and output attachments hang off it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager. A nil driver selects simulated mode.
func NewManager(registry *identity.Registry, driver sandbox.Driver, images ImageEnsurer, output Output, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Runtimes == nil {
		cfg.Runtimes = defaults.Runtimes
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.MountTarget == "" {
		cfg.MountTarget = defaults.MountTarget
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		driver:   driver,
		images:   images,
		output:   output,
		cfg:      cfg,
		logger:   logger.Named("lifecycle"),
		events:   events.Nop{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics Recorder) *Manager {
	m.metrics = metrics
	return m
}

// WithEvents publishes lifecycle events to sink
func (m *Manager) WithEvents(sink events.Sink) *Manager {
	if sink != nil {
		m.events = sink
	}
	return m
}

// Simulated reports whether the manager runs without a sandbox driver
func (m *Manager) Simulated() bool {
	return m.driver == nil
}

// Create registers a new offline server
func (m *Manager) Create(plan identity.Plan, runtime identity.RuntimeKind) (*identity.Identity, error) {
	ident, err := m.registry.Create(plan, runtime)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Server created",
		zap.String("server_id", ident.ID),
		zap.String("plan", string(ident.Plan)),
		zap.String("runtime", string(ident.Runtime)),
	)
	m.emit(events.Event{Type: events.Created, ServerID: ident.ID})
	m.syncActive()
	return ident, nil
}

// Status returns the current lifecycle state
func (m *Manager) Status(serverID string) (identity.State, error) {
	ident, err := m.registry.Get(serverID)
	if err != nil {
		return "", err
	}
	return ident.State, nil
}

// Start runs the server's bot, resuming its existing sandbox when possible
func (m *Manager) Start(ctx context.Context, serverID string, env map[string]string) (StartResult, error) {
	began := time.Now()
	if !m.registry.Exists(serverID) {
		return StartResult{}, fmt.Errorf("%w: %s", identity.ErrNotFound, serverID)
	}
	envList, err := m.buildEnv(env)
	if err != nil {
		return StartResult{}, err
	}

	unlock := m.locks.Lock(serverID)
	defer unlock()

	res, err := m.start(context.WithoutCancel(ctx), serverID, envList)
	m.recordOp("start", err, began)
	return res, err
}

// Stop tears the server's sandbox down. Once the server exists, Stop always
// leaves it offline; cleanup problems are reported in the result, not as an
// error.
func (m *Manager) Stop(ctx context.Context, serverID string) (StopResult, error) {
	began := time.Now()
	if !m.registry.Exists(serverID) {
		return StopResult{}, fmt.Errorf("%w: %s", identity.ErrNotFound, serverID)
	}

	unlock := m.locks.Lock(serverID)
	defer unlock()

	res, err := m.stop(context.WithoutCancel(ctx), serverID)
	m.recordOp("stop", err, began)
	return res, err
}

// Restart stops the server, waits for the settle delay and starts it again.
// In simulated mode it returns while the server is still restarting.
func (m *Manager) Restart(ctx context.Context, serverID string, env map[string]string) (StartResult, error) {
	began := time.Now()
	if !m.registry.Exists(serverID) {
		return StartResult{}, fmt.Errorf("%w: %s", identity.ErrNotFound, serverID)
	}
	envList, err := m.buildEnv(env)
	if err != nil {
		return StartResult{}, err
	}

	unlock := m.locks.Lock(serverID)
	defer unlock()

	res, err := m.restart(context.WithoutCancel(ctx), serverID, envList)
	m.recordOp("restart", err, began)
	return res, err
}

// Shutdown stops every server that still has a sandbox, then waits for
// background watchers to finish or ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.driver != nil {
		for _, ident := range m.registry.List() {
			if ident.SandboxRef == nil {
				continue
			}
			if _, err := m.Stop(ctx, ident.ID); err != nil {
				m.logger.Warn("Failed to stop server during shutdown", zap.String("server_id", ident.ID), zap.Error(err))
			}
		}
	}

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) start(ctx context.Context, serverID string, env []string) (StartResult, error) {
	ident, err := m.registry.Get(serverID)
	if err != nil {
		return StartResult{}, err
	}
	if m.driver == nil {
		return m.simulateStart(ident), nil
	}

	if ident.SandboxRef != nil {
		if res, ok := m.resume(ctx, ident); ok {
			return res, nil
		}
		m.discard(ctx, ident)
	}
	return m.launch(ctx, ident, env)
}

// resume reuses the server's existing sandbox. A running sandbox is left
// alone; a stopped one is started in place under a new epoch. Any failure
// reports false so the caller creates a fresh sandbox instead.
func (m *Manager) resume(ctx context.Context, ident *identity.Identity) (StartResult, bool) {
	ref := *ident.SandboxRef
	log := m.logger.With(zap.String("server_id", ident.ID), zap.String("sandbox_id", shortID(ref)))

	st, err := m.driver.Inspect(ctx, ref)
	if err != nil {
		log.Warn("Cannot inspect existing sandbox, creating a new one", zap.Error(err))
		return StartResult{}, false
	}

	if st.Running {
		if ident.State != identity.StateOnline {
			_ = m.registry.SetSandbox(ident.ID, ref, identity.StateOnline)
			m.announce(ident.ID, identity.StateOnline)
		}
		log.Debug("Sandbox already running")
		return StartResult{Resumed: true, State: identity.StateOnline, Epoch: ident.Epoch}, true
	}
	if !st.Startable {
		log.Info("Existing sandbox cannot be resumed, creating a new one")
		return StartResult{}, false
	}

	// A new epoch makes the previous instance's pending exit stale
	epoch, err := m.registry.BumpEpoch(ident.ID)
	if err != nil {
		return StartResult{}, false
	}
	// Output from earlier runs stays in the backend's log; skip it
	resumedAt := time.Now()
	if err := m.driver.Start(ctx, ref); err != nil {
		log.Warn("Resume failed, creating a new sandbox", zap.Error(err))
		return StartResult{}, false
	}

	_ = m.registry.SetSandbox(ident.ID, ref, identity.StateOnline)
	m.follow(ident.ID, ref, epoch, resumedAt)
	m.announce(ident.ID, identity.StateOnline)
	m.emit(events.Event{Type: events.Resumed, ServerID: ident.ID, Epoch: epoch, SandboxID: ref})
	m.syncActive()

	log.Info("Sandbox resumed", zap.Uint64("epoch", epoch))
	return StartResult{Resumed: true, State: identity.StateOnline, Epoch: epoch}, true
}

// discard removes a sandbox that could not be resumed so that at most one
// ever exists per server
func (m *Manager) discard(ctx context.Context, ident *identity.Identity) {
	ref := *ident.SandboxRef
	rmCtx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	if err := m.driver.Remove(rmCtx, ref, true); err != nil {
		m.logger.Warn("Failed to remove stale sandbox",
			zap.String("server_id", ident.ID),
			zap.String("sandbox_id", shortID(ref)),
			zap.Error(err),
		)
	}
	_ = m.registry.SetState(ident.ID, identity.StateOffline)
}

// launch creates and starts a new sandbox
func (m *Manager) launch(ctx context.Context, ident *identity.Identity, env []string) (StartResult, error) {
	log := m.logger.With(zap.String("server_id", ident.ID))

	rt, err := m.cfg.Runtimes.Lookup(ident.Runtime)
	if err != nil {
		return StartResult{}, err
	}

	if m.images != nil {
		if err := m.images.Ensure(ctx, rt.Image); err != nil {
			m.startFailed(ident.ID, ident.Epoch, err)
			return StartResult{}, fmt.Errorf("%w: %w", sandbox.ErrRuntime, err)
		}
	}

	ref, err := m.driver.Create(ctx, m.sandboxSpec(ident, rt, env))
	if err != nil {
		m.startFailed(ident.ID, ident.Epoch, err)
		return StartResult{}, err
	}

	epoch, err := m.registry.BumpEpoch(ident.ID)
	if err != nil {
		return StartResult{}, err
	}
	_ = m.registry.SetSandbox(ident.ID, ref, identity.StateStarting)
	m.announce(ident.ID, identity.StateStarting)

	if err := m.driver.Start(ctx, ref); err != nil {
		rmCtx, cancel := context.WithTimeout(ctx, removeTimeout)
		if rmErr := m.driver.Remove(rmCtx, ref, true); rmErr != nil {
			log.Warn("Failed to remove sandbox after failed start", zap.String("sandbox_id", shortID(ref)), zap.Error(rmErr))
		}
		cancel()

		_ = m.registry.SetState(ident.ID, identity.StateOffline)
		m.announce(ident.ID, identity.StateOffline)
		m.startFailed(ident.ID, epoch, err)
		return StartResult{}, err
	}

	_ = m.registry.SetSandbox(ident.ID, ref, identity.StateOnline)
	m.follow(ident.ID, ref, epoch, time.Time{})
	m.announce(ident.ID, identity.StateOnline)
	m.emit(events.Event{Type: events.Started, ServerID: ident.ID, Epoch: epoch, SandboxID: ref})
	m.syncActive()

	log.Info("Sandbox started",
		zap.String("sandbox_id", shortID(ref)),
		zap.String("image", rt.Image),
		zap.Uint64("epoch", epoch),
	)
	return StartResult{Resumed: false, State: identity.StateOnline, Epoch: epoch}, nil
}

// follow hands the sandbox output written from since on to the fan-out and
// watches for its exit. Both are tagged with epoch so a later instance
// supersedes them.
func (m *Manager) follow(serverID, ref string, epoch uint64, since time.Time) {
	if m.ctx.Err() != nil {
		return
	}

	stream, err := m.driver.AttachOutput(m.ctx, ref, since)
	if err != nil {
		m.logger.Warn("Cannot attach to sandbox output",
			zap.String("server_id", serverID),
			zap.String("sandbox_id", shortID(ref)),
			zap.Error(err),
		)
	} else {
		m.output.Attach(serverID, epoch, stream)
	}

	exits := m.driver.WaitExit(m.ctx, ref)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case st, ok := <-exits:
			if ok && m.ctx.Err() == nil {
				m.reconcile(serverID, ref, epoch, st)
			}
		case <-m.ctx.Done():
		}
	}()
}

// reconcile applies an exit notification. It only acts when the exited
// sandbox is still the server's current one under the same epoch.
func (m *Manager) reconcile(serverID, ref string, epoch uint64, st sandbox.ExitStatus) {
	unlock := m.locks.Lock(serverID)
	defer unlock()

	log := m.logger.With(
		zap.String("server_id", serverID),
		zap.String("sandbox_id", shortID(ref)),
		zap.Uint64("epoch", epoch),
	)

	ident, err := m.registry.Get(serverID)
	if err != nil {
		return
	}
	if ident.Epoch != epoch || ident.SandboxRef == nil || *ident.SandboxRef != ref {
		log.Debug("Discarded stale exit notification", zap.Uint64("current_epoch", ident.Epoch))
		return
	}

	_ = m.registry.SetState(serverID, identity.StateOffline)

	rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	if err := m.driver.Remove(rmCtx, ref, true); err != nil {
		log.Warn("Failed to remove exited sandbox", zap.Error(err))
	}
	cancel()

	m.output.Publish(serverID, fmt.Sprintf("Bot exited: %s", st))
	m.announce(serverID, identity.StateOffline)

	code := st.Code
	ev := events.Event{Type: events.Exited, ServerID: serverID, Epoch: epoch, SandboxID: ref, ExitCode: &code, OOMKilled: st.OOMKilled}
	if st.Err != nil {
		ev.Error = st.Err.Error()
	}
	m.emit(ev)
	if m.metrics != nil {
		m.metrics.RecordSandboxExit(st.OOMKilled)
	}
	m.syncActive()

	log.Info("Sandbox exited",
		zap.Int64("exit_code", st.Code),
		zap.Bool("oom_killed", st.OOMKilled),
		zap.NamedError("exit_error", st.Err),
	)
}

func (m *Manager) stop(ctx context.Context, serverID string) (StopResult, error) {
	ident, err := m.registry.Get(serverID)
	if err != nil {
		return StopResult{}, err
	}
	if m.driver == nil {
		return m.simulateStop(ident), nil
	}
	if ident.SandboxRef == nil {
		return StopResult{State: ident.State, Cleanup: CleanupNone}, nil
	}

	ref := *ident.SandboxRef
	cleanup := m.teardown(ctx, serverID, ref)

	_ = m.registry.SetState(serverID, identity.StateOffline)
	m.announce(serverID, identity.StateOffline)
	m.emit(events.Event{Type: events.Stopped, ServerID: serverID, Epoch: ident.Epoch, SandboxID: ref, Outcome: string(cleanup)})
	if m.metrics != nil {
		m.metrics.RecordStopCleanup(string(cleanup))
	}
	m.syncActive()

	m.logger.Info("Sandbox stopped",
		zap.String("server_id", serverID),
		zap.String("sandbox_id", shortID(ref)),
		zap.String("outcome", string(cleanup)),
	)
	return StopResult{State: identity.StateOffline, Cleanup: cleanup}, nil
}

// teardown stops then force-removes a sandbox. Removal runs whatever the
// stop outcome was.
func (m *Manager) teardown(ctx context.Context, serverID, ref string) Cleanup {
	log := m.logger.With(zap.String("server_id", serverID), zap.String("sandbox_id", shortID(ref)))

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopGrace+stopSlack)
	stopErr := m.driver.Stop(stopCtx, ref, m.cfg.StopGrace)
	cancel()
	switch {
	case errors.Is(stopErr, sandbox.ErrTimeout):
		log.Warn("Sandbox ignored grace period, forcing removal", zap.Duration("grace", m.cfg.StopGrace))
	case stopErr != nil:
		log.Warn("Graceful stop failed, forcing removal", zap.Error(stopErr))
	}

	rmCtx, cancel := context.WithTimeout(ctx, removeTimeout)
	rmErr := m.driver.Remove(rmCtx, ref, true)
	cancel()
	if rmErr != nil {
		log.Error("Sandbox removal failed, resources may leak", zap.Error(rmErr))
		return CleanupFailed
	}
	if stopErr != nil {
		return CleanupDegraded
	}
	return CleanupSuccess
}

func (m *Manager) restart(ctx context.Context, serverID string, env []string) (StartResult, error) {
	ident, err := m.registry.Get(serverID)
	if err != nil {
		return StartResult{}, err
	}
	if m.driver == nil {
		return m.simulateRestart(ident), nil
	}

	m.output.Publish(serverID, statusLine(serverID, identity.StateRestarting))
	m.emit(events.Event{Type: events.Restarting, ServerID: serverID, Epoch: ident.Epoch})

	if _, err := m.stop(ctx, serverID); err != nil {
		return StartResult{}, err
	}

	timer := time.NewTimer(m.cfg.RestartDelay)
	select {
	case <-timer.C:
	case <-m.ctx.Done():
		timer.Stop()
		return StartResult{}, fmt.Errorf("%w: restart: manager shutting down", sandbox.ErrRuntime)
	}

	return m.start(ctx, serverID, env)
}

func (m *Manager) sandboxSpec(ident *identity.Identity, rt Runtime, env []string) sandbox.Spec {
	source := ident.WorkDir
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	next := strconv.FormatUint(ident.Epoch+1, 10)

	return sandbox.Spec{
		Name:    "nighthost-" + ident.ID + "-" + next,
		Image:   rt.Image,
		Command: rt.Command,
		WorkDir: m.cfg.MountTarget,
		Mounts: []sandbox.Mount{
			{Source: source, Target: m.cfg.MountTarget, ReadOnly: true},
		},
		Limits: m.cfg.Limits,
		Env:    env,
		Labels: map[string]string{
			sandbox.LabelServer: ident.ID,
			sandbox.LabelEpoch:  next,
		},
	}
}

// buildEnv validates caller variables and adds the base environment
func (m *Manager) buildEnv(env map[string]string) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envKey.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid environment variable name %q", identity.ErrValidation, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+len(m.cfg.BaseEnv))
	for _, kv := range m.cfg.BaseEnv {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := env[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out, nil
}

func (m *Manager) startFailed(serverID string, epoch uint64, err error) {
	m.logger.Error("Sandbox start failed", zap.String("server_id", serverID), zap.Error(err))
	m.output.Publish(serverID, fmt.Sprintf("Start failed: %v", err))
	m.emit(events.Event{Type: events.StartFailed, ServerID: serverID, Epoch: epoch, Error: err.Error()})
}

func (m *Manager) announce(serverID string, state identity.State) {
	m.output.Publish(serverID, statusLine(serverID, state))
}

func (m *Manager) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	m.events.Emit(ev)
}

func (m *Manager) recordOp(op string, err error, began time.Time) {
	if m.metrics != nil {
		m.metrics.RecordLifecycleOp(op, Outcome(err), time.Since(began))
	}
}

func (m *Manager) syncActive() {
	if m.metrics == nil {
		return
	}
	stats := m.registry.Stats()
	m.metrics.SetActiveSandboxes(stats.ByState[identity.StateOnline] + stats.ByState[identity.StateStarting])
}

// Outcome classifies a lifecycle error for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, identity.ErrNotFound):
		return "not_found"
	case errors.Is(err, identity.ErrValidation):
		return "invalid"
	case errors.Is(err, image.ErrImageUnavailable):
		return "image_unavailable"
	default:
		return "runtime_error"
	}
}

func statusLine(serverID string, state identity.State) string {
	return fmt.Sprintf("Server %s → %s", serverID, state)
}

func shortID(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
