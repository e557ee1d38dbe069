package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/models"
	"chatsync/internal/record"
	"chatsync/internal/session"
)

// DefaultTimeout is how long a cycle may hold the in-flight flag before
// it is treated as abandoned and a new cycle is allowed to start.
const DefaultTimeout = 2 * time.Minute

// Engine runs the pull-then-push synchronization cycle against a Transport.
// At most one cycle runs at a time; overlapping triggers are dropped.
type Engine struct {
	store     *record.DB
	sess      *session.Store
	transport Transport
	log       *slog.Logger
	userID    string
	timeout   time.Duration

	mu       sync.Mutex
	inFlight bool
	gen      uint64

	now   func() float64
	newID func() string
}

func NewEngine(store *record.DB, sess *session.Store, transport Transport, userID string, log *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		sess:      sess,
		transport: transport,
		log:       log,
		userID:    userID,
		timeout:   DefaultTimeout,
		now:       models.NowMillis,
		newID:     uuid.NewString,
	}
}

// Syncing reports whether a cycle currently holds the in-flight flag.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

func (e *Engine) acquire() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return 0, false
	}
	e.inFlight = true
	e.gen++
	return e.gen, true
}

func (e *Engine) release(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight && e.gen == gen {
		e.inFlight = false
	}
}

// Sync runs one full cycle. A concurrent call while a cycle is in flight
// returns immediately without doing anything.
func (e *Engine) Sync(ctx context.Context) error {
	gen, ok := e.acquire()
	if !ok {
		e.log.Debug("sync already in progress, skipping")
		return nil
	}
	timer := time.AfterFunc(e.timeout, func() {
		e.log.Warn("sync cycle exceeded timeout, clearing in-flight flag", "timeout", e.timeout)
		e.release(gen)
	})
	defer func() {
		timer.Stop()
		e.release(gen)
	}()

	if err := e.runCycle(ctx); err != nil {
		e.log.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func (e *Engine) runCycle(ctx context.Context) error {
	lastPulledAt, err := e.sess.LastPulledAt()
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	result, err := e.transport.PullChanges(ctx, lastPulledAt)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if err := e.transformPull(result.Changes); err != nil {
		return fmt.Errorf("pull transform failed: %w", err)
	}
	if err := e.store.ApplyChanges(result.Changes); err != nil {
		return fmt.Errorf("failed to apply pulled changes: %w", err)
	}

	local, err := e.store.LocalChanges()
	if err != nil {
		return fmt.Errorf("failed to collect local changes: %w", err)
	}
	payload, marks, deleted, err := e.transformPush(local)
	if err != nil {
		return fmt.Errorf("push transform failed: %w", err)
	}

	if len(payload) > 0 {
		// The push rides on the timestamp the pull just returned. Pushing
		// against an older watermark makes a conformant server reject the
		// batch whenever the pull brought anything down.
		if err := e.transport.PushChanges(ctx, payload, result.Timestamp); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		if len(marks) > 0 {
			if err := e.store.Batch(marks...); err != nil {
				return fmt.Errorf("failed to mark pushed records synced: %w", err)
			}
		}
		if len(deleted) > 0 {
			if err := e.store.PurgeDeleted(deleted); err != nil {
				return fmt.Errorf("failed to purge pushed deletions: %w", err)
			}
		}
	}

	if err := e.sess.SaveLastPulledAt(result.Timestamp); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	e.log.Info("sync completed", "timestamp", result.Timestamp)
	return nil
}
