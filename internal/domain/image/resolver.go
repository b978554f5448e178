// Package image guarantees that a runtime image is present locally before a
// sandbox is created from it.
package image

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/resilience"
)

var (
	// ErrImageUnavailable means the image is neither local nor pullable
	ErrImageUnavailable = errors.New("image unavailable")
	// ErrInvalidReference means the reference does not parse
	ErrInvalidReference = errors.New("invalid image reference")
)

// PullRecorder receives pull outcomes; satisfied by monitoring.Metrics
type PullRecorder interface {
	RecordImagePull(image, outcome string, duration time.Duration)
}

// Resolver ensures images exist locally, pulling on demand
type Resolver struct {
	catalog     sandbox.ImageCatalog
	pullTimeout time.Duration
	breaker     *resilience.Breaker
	group       singleflight.Group
	logger      *zap.Logger
	recorder    PullRecorder
}

// NewResolver creates a resolver over the given catalog
func NewResolver(catalog sandbox.ImageCatalog, pullTimeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		catalog:     catalog,
		pullTimeout: pullTimeout,
		logger:      logger.Named("image"),
	}
	r.breaker = resilience.New("image-pull", resilience.Settings{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		IsFailure: func(err error) bool {
			// A caller giving up is not the registry's fault
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(breaker string, from, to resilience.State) {
			r.logger.Warn("Pull circuit state changed",
				zap.String("breaker", breaker),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r
}

// WithRecorder adds pull metrics tracking
func (r *Resolver) WithRecorder(rec PullRecorder) *Resolver {
	r.recorder = rec
	return r
}

// Validate checks that ref is a well-formed image reference
func Validate(ref string) (name.Reference, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return parsed, nil
}

// Ensure makes ref available locally. Safe to call before every start;
// concurrent calls for the same reference share one pull.
func (r *Resolver) Ensure(ctx context.Context, ref string) error {
	parsed, err := Validate(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageUnavailable, err)
	}

	present, err := r.catalog.ImagePresent(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", ErrImageUnavailable, ref, err)
	}
	if present {
		return nil
	}

	_, err, shared := r.group.Do(ref, func() (interface{}, error) {
		return nil, r.pull(ref, parsed)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, ref, err)
	}
	if shared {
		r.logger.Debug("Joined in-flight pull", zap.String("image", ref))
	}
	return nil
}

// pull runs detached from any single caller so that one cancelled start
// does not abort a pull other callers are waiting on.
func (r *Resolver) pull(ref string, parsed name.Reference) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.pullTimeout)
	defer cancel()

	start := time.Now()
	r.logger.Info("Pulling image",
		zap.String("image", ref),
		zap.String("registry", parsed.Context().RegistryStr()),
	)

	err := r.breaker.Do(func() error {
		return r.catalog.PullImage(ctx, ref)
	})

	outcome := "success"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		outcome = "short_circuited"
	case err != nil:
		outcome = "failed"
	}
	if r.recorder != nil {
		r.recorder.RecordImagePull(ref, outcome, time.Since(start))
	}

	if err != nil {
		r.logger.Error("Image pull failed", zap.String("image", ref), zap.String("outcome", outcome), zap.Error(err))
		return err
	}

	r.logger.Info("Image pull completed", zap.String("image", ref), zap.Duration("took", time.Since(start)))
	return nil
}
