package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
)

const (
	operationSyncProject   = "bridge.sync_project"
	operationSyncMember    = "bridge.sync_member"
	operationDisconnectAll = "bridge.disconnect_all"
	operationPurge         = "bridge.purge"

	defaultMaxAttempts    = 5
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second

	reasonProjectDeleted = "project deleted"
)

var (
	// ErrDeliveryExhausted marks a change that could not be delivered to the
	// live document within the retry budget. The relational store and the
	// document disagree until the next successful sync.
	ErrDeliveryExhausted = errors.New("bridge: delivery exhausted")

	errMissingTarget = errors.New("bridge target is required")
)

// Target is the live-document side of the bridge.
type Target interface {
	SyncProject(ctx context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error
	SyncMember(ctx context.Context, projectID string, action project.MemberAction, member project.Member) error
	DisconnectAll(ctx context.Context, projectID, reason string) (int, error)
}

// Purger discards a project's durable document state.
type Purger interface {
	Purge(ctx context.Context, projectID string) error
}

// Config wires a Bridge.
type Config struct {
	Target         Target
	Store          Purger
	Logger         *zap.Logger
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Bridge pushes relational changes into live project documents, retrying
// transient failures with exponential backoff.
type Bridge struct {
	target         Target
	store          Purger
	logger         *zap.Logger
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New validates cfg and builds a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Target == nil {
		return nil, errMissingTarget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}
	return &Bridge{
		target:         cfg.Target,
		store:          cfg.Store,
		logger:         logger,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}, nil
}

// SyncProject mirrors project metadata and, at creation, the initial members.
func (b *Bridge) SyncProject(ctx context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error {
	return b.deliver(ctx, operationSyncProject, projectID, func(ctx context.Context) error {
		return b.target.SyncProject(ctx, projectID, patch, initialMembers)
	})
}

// SyncMember mirrors one membership change.
func (b *Bridge) SyncMember(ctx context.Context, projectID string, action project.MemberAction, member project.Member) error {
	return b.deliver(ctx, operationSyncMember, projectID, func(ctx context.Context) error {
		return b.target.SyncMember(ctx, projectID, action, member)
	}, zap.String("action", string(action)), zap.String("member_id", member.UserID))
}

// DisconnectAll closes every live connection to the project.
func (b *Bridge) DisconnectAll(ctx context.Context, projectID, reason string) error {
	return b.deliver(ctx, operationDisconnectAll, projectID, func(ctx context.Context) error {
		_, err := b.target.DisconnectAll(ctx, projectID, reason)
		return err
	})
}

// DeleteProject disconnects every client and then discards the project's
// document state.
func (b *Bridge) DeleteProject(ctx context.Context, projectID string) error {
	if err := b.DisconnectAll(ctx, projectID, reasonProjectDeleted); err != nil {
		return err
	}
	if b.store == nil {
		return nil
	}
	return b.deliver(ctx, operationPurge, projectID, func(ctx context.Context) error {
		return b.store.Purge(ctx, projectID)
	})
}

func (b *Bridge) policy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialBackoff
	policy.MaxInterval = b.maxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	return policy
}

func (b *Bridge) deliver(ctx context.Context, operation, projectID string, fn func(ctx context.Context) error, fields ...zap.Field) error {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("project_id", projectID),
	}, fields...)

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := fn(ctx); err != nil {
			if !transient(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			metrics.BridgeAttempts.WithLabelValues(metrics.ResultRetry).Inc()
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b.policy()),
		backoff.WithMaxTries(uint(b.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Warn("bridge delivery retry", append(logFields, zap.Error(err), zap.Duration("wait", wait))...)
		}),
	)
	if err == nil {
		metrics.BridgeAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
		return nil
	}
	if !transient(err) {
		b.logger.Error("bridge delivery rejected", append(logFields, zap.Error(err))...)
		return err
	}
	metrics.BridgeAttempts.WithLabelValues(metrics.ResultExhausted).Inc()
	b.logger.Error("bridge delivery exhausted",
		append(logFields, zap.Int("attempts", attempts), zap.Bool("alert", true), zap.Error(err))...)
	return errors.Join(ErrDeliveryExhausted, err)
}

// transient reports whether a failed delivery may succeed on retry.
func transient(err error) bool {
	switch {
	case errors.Is(err, project.ErrValidation),
		errors.Is(err, project.ErrAccessDenied),
		errors.Is(err, project.ErrNotFound),
		errors.Is(err, room.ErrRoomUnavailable),
		errors.Is(err, room.ErrRegistryClosed):
		return false
	default:
		return true
	}
}
