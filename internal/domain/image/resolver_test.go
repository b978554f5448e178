package image

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu        sync.Mutex
	present   map[string]bool
	inspectEr error
	pullErr   error
	pulls     atomic.Int32
	pullGate  chan struct{}
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{present: make(map[string]bool)}
}

func (f *fakeCatalog) ImagePresent(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectEr != nil {
		return false, f.inspectEr
	}
	return f.present[ref], nil
}

func (f *fakeCatalog) PullImage(ctx context.Context, ref string) error {
	f.pulls.Add(1)
	if f.pullGate != nil {
		<-f.pullGate
	}
	if f.pullErr != nil {
		return f.pullErr
	}
	f.mu.Lock()
	f.present[ref] = true
	f.mu.Unlock()
	return nil
}

type recordedPull struct {
	image, outcome string
}

type fakeRecorder struct {
	mu    sync.Mutex
	pulls []recordedPull
}

func (r *fakeRecorder) RecordImagePull(image, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, recordedPull{image, outcome})
}

func TestEnsurePresentSkipsPull(t *testing.T) {
	cat := newFakeCatalog()
	cat.present["python:3.11-slim"] = true
	r := NewResolver(cat, time.Minute, nil)

	require.NoError(t, r.Ensure(context.Background(), "python:3.11-slim"))
	assert.Equal(t, int32(0), cat.pulls.Load())
}

func TestEnsurePullsMissingImage(t *testing.T) {
	cat := newFakeCatalog()
	rec := &fakeRecorder{}
	r := NewResolver(cat, time.Minute, nil).WithRecorder(rec)

	require.NoError(t, r.Ensure(context.Background(), "node:20-alpine"))
	require.NoError(t, r.Ensure(context.Background(), "node:20-alpine"))

	assert.Equal(t, int32(1), cat.pulls.Load())
	assert.Equal(t, []recordedPull{{"node:20-alpine", "success"}}, rec.pulls)
}

func TestEnsurePullFailure(t *testing.T) {
	cat := newFakeCatalog()
	cat.pullErr = errors.New("manifest unknown")
	r := NewResolver(cat, time.Minute, nil)

	err := r.Ensure(context.Background(), "node:does-not-exist")
	assert.ErrorIs(t, err, ErrImageUnavailable)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestEnsureInspectFailure(t *testing.T) {
	cat := newFakeCatalog()
	cat.inspectEr = errors.New("daemon unreachable")
	r := NewResolver(cat, time.Minute, nil)

	err := r.Ensure(context.Background(), "python:3.11-slim")
	assert.ErrorIs(t, err, ErrImageUnavailable)
	assert.Equal(t, int32(0), cat.pulls.Load())
}

func TestEnsureRejectsMalformedReference(t *testing.T) {
	r := NewResolver(newFakeCatalog(), time.Minute, nil)

	for _, ref := range []string{"", "UPPER/case:tag", "bad ref"} {
		err := r.Ensure(context.Background(), ref)
		assert.ErrorIs(t, err, ErrImageUnavailable, ref)
	}
}

func TestEnsureSharesConcurrentPulls(t *testing.T) {
	cat := newFakeCatalog()
	cat.pullGate = make(chan struct{})
	r := NewResolver(cat, time.Minute, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Ensure(context.Background(), "python:3.11-slim")
		}()
	}

	require.Eventually(t, func() bool { return cat.pulls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the remaining callers time to join the in-flight pull
	time.Sleep(20 * time.Millisecond)
	close(cat.pullGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, cat.pulls.Load(), int32(2))
}

func TestEnsureCircuitOpensAfterRepeatedFailures(t *testing.T) {
	cat := newFakeCatalog()
	cat.pullErr = errors.New("registry down")
	rec := &fakeRecorder{}
	r := NewResolver(cat, time.Minute, nil).WithRecorder(rec)

	for i := 0; i < 3; i++ {
		assert.Error(t, r.Ensure(context.Background(), "python:3.11-slim"))
	}
	require.Equal(t, int32(3), cat.pulls.Load())

	err := r.Ensure(context.Background(), "python:3.11-slim")
	assert.ErrorIs(t, err, ErrImageUnavailable)
	assert.Equal(t, int32(3), cat.pulls.Load(), "open circuit must not reach the registry")
	assert.Equal(t, "short_circuited", rec.pulls[len(rec.pulls)-1].outcome)
}

func TestValidate(t *testing.T) {
	ref, err := Validate("python:3.11-slim")
	require.NoError(t, err)
	assert.Equal(t, "index.docker.io", ref.Context().RegistryStr())

	_, err = Validate("   ")
	assert.ErrorIs(t, err, ErrInvalidReference)
}
