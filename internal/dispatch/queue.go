// Package dispatch implements the scheduled message queue: enqueue
// persists a pending record and arms an in-process timer; at the
// scheduled time the dispatch job delivers to each recipient in order
// through the session registry and writes the terminal status back.
// Pending records are re-armed from the store at boot, which is what
// makes the queue survive restarts.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/prefixed_uuid"
)

const (
	// DefaultAttempts bounds job retries. Retries fire only when an
	// attempt panics; business failures are converted to status writes
	// inside the job and never re-run.
	DefaultAttempts = 3

	idPrefix = "sched"
)

// Sender delivers one message through an active session.
type Sender interface {
	Send(ctx context.Context, sessionID, recipient, body string) session_manager.SendResult
}

// Queue schedules and dispatches messages. Jobs for different messages
// run concurrently; the sends inside one job are sequential.
type Queue struct {
	store    Store
	sender   Sender
	logger   logger.Logger
	metrics  *metrics.Metrics
	attempts int
	now      func() time.Time

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a dispatch queue. attempts <= 0 selects
// DefaultAttempts.
func NewQueue(store Store, sender Sender, log logger.Logger, m *metrics.Metrics, attempts int) *Queue {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Queue{
		store:    store,
		sender:   sender,
		logger:   log,
		metrics:  m,
		attempts: attempts,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Enqueue validates the request, persists a pending record and arms its
// timer. scheduledTime must be RFC 3339; a past time dispatches
// immediately. A *ValidationError is returned before anything is
// persisted or scheduled.
func (q *Queue) Enqueue(ctx context.Context, sender string, recipients []string, body, scheduledTime string) (*ScheduledMessage, error) {
	var invalid *multierror.Error
	if strings.TrimSpace(sender) == "" {
		invalid = multierror.Append(invalid, fmt.Errorf("sender is required"))
	}
	if strings.TrimSpace(body) == "" {
		invalid = multierror.Append(invalid, fmt.Errorf("body is required"))
	}
	when, err := time.Parse(time.RFC3339, scheduledTime)
	if err != nil {
		invalid = multierror.Append(invalid, fmt.Errorf("scheduledTime %q is not a valid RFC 3339 instant", scheduledTime))
	}
	if invalid != nil {
		return nil, NewValidationError(invalid.Error())
	}

	msg := ScheduledMessage{
		ID:            prefixed_uuid.New(idPrefix).String(),
		Sender:        sender,
		Recipients:    recipients,
		Body:          body,
		Status:        StatusPending,
		ScheduledTime: when,
		CreatedAt:     q.now(),
	}

	if err := q.store.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist scheduled message: %w", err)
	}

	q.schedule(msg)

	q.logger.Info("scheduled message accepted",
		logger.ScheduleIDField(msg.ID),
		logger.SessionIDField(msg.Sender),
		logger.TimeField("scheduled_time", msg.ScheduledTime),
		logger.IntField("recipients", len(msg.Recipients)))

	return &msg, nil
}

// Rearm reloads pending records from the store and schedules them.
// Past-due records dispatch immediately.
func (q *Queue) Rearm(ctx context.Context) error {
	pending, err := q.store.FindByStatus(ctx, StatusPending)
	if err != nil {
		return fmt.Errorf("load pending scheduled messages: %w", err)
	}

	q.logger.Info("re-arming pending scheduled messages", logger.IntField("count", len(pending)))
	for _, msg := range pending {
		q.schedule(msg)
	}
	return nil
}

// List returns all scheduled messages, newest first.
func (q *Queue) List(ctx context.Context) ([]ScheduledMessage, error) {
	return q.store.List(ctx)
}

// Stop cancels timers that have not fired and waits for running jobs.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Queue) schedule(msg ScheduledMessage) {
	delay := msg.ScheduledTime.Sub(q.now())

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-q.stop:
				return
			}
		}

		q.runJob(msg)
	}()
}

// runJob drives the bounded attempts. Only a panic escaping the job
// body counts as an attempt failure.
func (q *Queue) runJob(msg ScheduledMessage) {
	log := q.logger.WithFields(logger.ScheduleIDField(msg.ID))

	for attempt := 1; attempt <= q.attempts; attempt++ {
		err := q.attempt(msg)
		if err == nil {
			return
		}

		log.Error("dispatch job attempt failed",
			logger.IntField("attempt", attempt),
			logger.ErrorField(err))

		if attempt < q.attempts {
			q.metrics.DispatchJobRetried()
		}
	}

	log.Error("dispatch job exhausted its attempts",
		logger.IntField("attempts", q.attempts))
	q.metrics.DispatchJobFinished(false)
}

// attempt runs the job body once, converting a panic into an error so
// the attempt loop can retry it.
func (q *Queue) attempt(msg ScheduledMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch job panicked: %v", r)
		}
	}()
	q.process(msg)
	return nil
}

// process is the dispatch job body. Per-recipient failures are logged
// and aggregated but never abort the loop or change the terminal
// status; after every recipient has been attempted the record becomes
// sent. A store failure while writing the terminal status is converted
// to status=error and swallowed, so the attempt loop never retries it.
func (q *Queue) process(msg ScheduledMessage) {
	ctx := context.Background()
	log := q.logger.WithFields(
		logger.ScheduleIDField(msg.ID),
		logger.SessionIDField(msg.Sender))

	if len(msg.Recipients) == 0 {
		// Deliberate: the record stays pending so the gap is visible in
		// the store instead of masquerading as a successful dispatch.
		log.Warn("scheduled message has no recipients, leaving it pending")
		return
	}

	log.Info("dispatching scheduled message",
		logger.IntField("recipients", len(msg.Recipients)))

	var failures *multierror.Error
	for _, recipient := range msg.Recipients {
		result := q.sender.Send(ctx, msg.Sender, recipient, msg.Body)
		if result.Status != session_manager.SendSuccess {
			failures = multierror.Append(failures,
				fmt.Errorf("recipient %s: %s", recipient, result.Error))
			log.Error("dispatch to recipient failed",
				logger.RecipientField(recipient),
				logger.StringField("error", result.Error))
			continue
		}
		log.Info("dispatched to recipient",
			logger.RecipientField(recipient),
			logger.StringField("message_id", result.MessageID))
	}

	if failures != nil {
		log.Warn("dispatch finished with failed recipients",
			logger.IntField("failed", failures.Len()),
			logger.ErrorField(failures.ErrorOrNil()))
	}

	if err := q.store.UpdateStatus(ctx, msg.ID, StatusSent); err != nil {
		log.Error("failed to mark scheduled message sent", logger.ErrorField(err))
		if err := q.store.UpdateStatus(ctx, msg.ID, StatusError); err != nil {
			log.Error("failed to mark scheduled message errored", logger.ErrorField(err))
		}
		q.metrics.DispatchJobFinished(false)
		return
	}

	q.metrics.DispatchJobFinished(true)
	log.Info("scheduled message marked sent")
}
