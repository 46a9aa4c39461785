package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tufd/internal/domain"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// State names the steps of the signing pipeline. Every task walks
// RECEIVED → LOADING → MUTATING → SIGNING → COMMITTING → PUBLISHING → DONE,
// may fail from any step, and loops back to LOADING through RETRYING when the
// commit hits a version conflict.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateLoading    State = "LOADING"
	StateMutating   State = "MUTATING"
	StateSigning    State = "SIGNING"
	StateCommitting State = "COMMITTING"
	StatePublishing State = "PUBLISHING"
	StateRetrying   State = "RETRYING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// StateStore is the repository state the worker reads before mutating and
// commits through afterwards.
type StateStore interface {
	ReadCurrent(ctx context.Context, role string) (domain.VersionRef, error)
	LoadCurrent(ctx context.Context, role string) (domain.Envelope, domain.VersionRef, error)
	Commit(ctx context.Context, docs []domain.CommittedDocument, expected map[string]int64, taskID, leaseOwner string) error
	// CommitBootstrap persists the initial documents and the repository
	// settings in one transaction, so a crash can never leave metadata
	// committed without its settings.
	CommitBootstrap(ctx context.Context, docs []domain.CommittedDocument, expected map[string]int64, settings domain.RepositorySettings, taskID, leaseOwner string) error
}

type TaskStore interface {
	Claim(ctx context.Context, id, owner string, ttl time.Duration) (domain.Task, error)
	Complete(ctx context.Context, id, owner string, result domain.TaskResult, publishPending bool) error
	Fail(ctx context.Context, id, owner, reason string) error
}

type SettingsStore interface {
	Load(ctx context.Context) (domain.RepositorySettings, error)
}

// SeedStore is the durable home of online key seeds. Rotations write the new
// seeds here and workers re-read them when their in-memory material turns out
// to be stale.
type SeedStore interface {
	Seed(ctx context.Context, role string) (string, error)
	SaveSeed(ctx context.Context, role, seedHex string) error
}

// Worker consumes task messages and runs the metadata-update state machine.
// Each worker holds its own key manager handle; the state store is the only
// shared mutable resource.
type Worker struct {
	ID        string
	Repo      StateStore
	Tasks     TaskStore
	Settings  SettingsStore
	Keys      domain.KeyManager
	Seeds     SeedStore // optional; nil when no seed store is configured
	Queue     domain.TaskQueue
	Publisher domain.Publisher

	LeaseTTL          time.Duration
	MaxCommitRetries  int
	MaxPublishRetries int
	Now               func() time.Time

	// staged holds rotated key material for the duration of a rotate task:
	// the cascade signs with it, but Keys is only rebound once the commit
	// lands, so a failed rotation never leaves keys the committed root does
	// not bind.
	staged domain.KeyManager
}

// signer is the key manager for the current task: the staged material during
// a rotation, the shared manager otherwise.
func (w *Worker) signer() domain.KeyManager {
	if w.staged != nil {
		return w.staged
	}
	return w.Keys
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) leaseTTL() time.Duration {
	if w.LeaseTTL <= 0 {
		return 2 * time.Minute
	}
	return w.LeaseTTL
}

// Run consumes deliveries until the context is cancelled. Deliveries are
// acknowledged only after the task reached a terminal status (or turned out
// to be a duplicate); anything else stays pending for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("queue receive failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.Process(ctx, msg.TaskID); err != nil {
			// Leave the delivery pending: lease conflicts resolve via
			// the holder's own delivery, infra errors via redelivery.
			log.WithError(err).WithField("task_id", msg.TaskID).Warn("task left for redelivery")
			continue
		}
		if err := w.Queue.Acknowledge(ctx, msg.DeliveryID); err != nil {
			log.WithError(err).WithField("task_id", msg.TaskID).Warn("ack failed")
		}
	}
}

// Process runs one task to a terminal status. It returns nil when the
// delivery may be acknowledged and an error when the task must stay pending.
func (w *Worker) Process(ctx context.Context, taskID string) error {
	logger := log.WithFields(log.Fields{"task_id": taskID, "worker": w.ID})
	logger.WithField("state", StateReceived).Info("task received")

	task, err := w.Tasks.Claim(ctx, taskID, w.ID, w.leaseTTL())
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			// This delivery may be the task's only pending entry (a
			// reclaim moves it to this consumer). Acking it here would
			// strand the task if the lease holder crashes, so leave it
			// pending for the next reclaim pass.
			logger.Debug("task claimed elsewhere, leaving delivery pending")
			return err
		}
		return err
	}
	if task.Terminal() {
		// Redelivery of a finished task is a no-op.
		logger.WithField("status", task.Status).Debug("task already terminal")
		return nil
	}

	outcome, err := w.executeWithRetry(ctx, task, logger)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			// Another worker owns the task now; abandon without
			// touching its status and leave the delivery pending.
			logger.Warn("lease lost mid-flight, abandoning")
			return err
		}
		logger.WithError(err).WithField("state", StateFailed).Info("task failed")
		if failErr := w.Tasks.Fail(ctx, task.ID, w.ID, err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}

	publishPending := false
	if len(outcome.publish.Documents) > 0 {
		logger.WithField("state", StatePublishing).Info("publishing version set")
		if err := w.publishWithRetry(ctx, outcome.publish); err != nil {
			// Signed and committed state is durable; never re-sign
			// to repair publication. Surface an explicit flag for
			// external reconciliation instead.
			logger.WithError(err).Warn("publish retries exhausted, marking publish-pending")
			publishPending = true
		}
	}

	if err := w.Tasks.Complete(ctx, task.ID, w.ID, outcome.result, publishPending); err != nil {
		return err
	}
	logger.WithField("state", StateDone).Info("task done")
	return nil
}

// outcome is what a successfully committed task hands to publication.
type outcome struct {
	result  domain.TaskResult
	publish domain.VersionSet
}

// executeWithRetry drives LOADING through COMMITTING, restarting from a fresh
// read on version conflicts. Conflicts are expected when concurrent tasks
// touch the same role; exactly one commits and the rest retry against the new
// base version.
func (w *Worker) executeWithRetry(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	maxRetries := w.MaxCommitRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Reset()

	for attempt := 0; ; attempt++ {
		out, err := w.execute(ctx, task, logger)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return outcome{}, err
		}
		if attempt+1 >= maxRetries {
			return outcome{}, fmt.Errorf("commit retries exhausted: %w", err)
		}
		logger.WithError(err).WithField("state", StateRetrying).Info("version conflict, retrying from fresh read")
		sleepCtx(ctx, bo.NextBackOff())
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
	}
}

func (w *Worker) execute(ctx context.Context, task domain.Task, logger *log.Entry) (outcome, error) {
	w.staged = nil
	switch task.Type {
	case domain.TaskBootstrap:
		return w.runBootstrap(ctx, task, logger)
	case domain.TaskAddTargets:
		return w.runAddTargets(ctx, task, logger)
	case domain.TaskRemoveTargets:
		return w.runRemoveTargets(ctx, task, logger)
	case domain.TaskRotateKey:
		return w.runRotateKey(ctx, task, logger)
	case domain.TaskPublishSnapshot:
		return w.runPublishSnapshot(ctx, task, logger)
	case domain.TaskForceResign:
		return w.runForceResign(ctx, task, logger)
	default:
		return outcome{}, fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidMutation, task.Type)
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, set domain.VersionSet) error {
	maxRetries := w.MaxPublishRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if lastErr = w.Publisher.Publish(ctx, set); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleepCtx(ctx, bo.NextBackOff())
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
