package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
)

type memoryStore struct {
	mu        sync.Mutex
	records   map[string]*ScheduledMessage
	createErr error
	updateErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*ScheduledMessage)}
}

func (s *memoryStore) Create(_ context.Context, msg ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := msg
	s.records[msg.ID] = &copied
	return nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil && status == StatusSent {
		return s.updateErr
	}
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("scheduled message %s not found", id)
	}
	record.Status = status
	return nil
}

func (s *memoryStore) FindByStatus(_ context.Context, status MessageStatus) ([]ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledMessage
	for _, record := range s.records {
		if record.Status == status {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (s *memoryStore) List(_ context.Context) ([]ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledMessage, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) statusOf(id string) MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return ""
	}
	return record.Status
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type scriptedSender struct {
	mu         sync.Mutex
	sent       []string
	failFor    map[string]bool
	panicCount int // panic on the first panicCount calls
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{failFor: make(map[string]bool)}
}

func (s *scriptedSender) Send(_ context.Context, sessionID, recipient, _ string) session_manager.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicCount > 0 {
		s.panicCount--
		panic("transport blew up")
	}
	if s.failFor[recipient] {
		return session_manager.SendResult{Status: session_manager.SendError, Error: "session " + sessionID + " is not active"}
	}
	s.sent = append(s.sent, recipient)
	return session_manager.SendResult{Status: session_manager.SendSuccess, MessageID: "msg"}
}

func (s *scriptedSender) sentRecipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func setup(t *testing.T) (*Queue, *memoryStore, *scriptedSender) {
	t.Helper()
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Service: "test"})
	store := newMemoryStore()
	sender := newScriptedSender()
	queue := NewQueue(store, sender, log, metrics.NewMetrics(false, false, log), 3)
	t.Cleanup(queue.Stop)
	return queue, store, sender
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func pastTime() string {
	return time.Now().Add(-time.Minute).Format(time.RFC3339)
}

func TestEnqueueCreatesPendingAndDispatches(t *testing.T) {
	queue, store, sender := setup(t)

	msg, err := queue.Enqueue(context.Background(), "alpha",
		[]string{"5561111", "5562222"}, "promo", pastTime())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)

	eventually(t, func() bool {
		return store.statusOf(msg.ID) == StatusSent
	}, "message never reached sent")
	assert.Equal(t, []string{"5561111", "5562222"}, sender.sentRecipients())
}

func TestEnqueueFutureTimeWaits(t *testing.T) {
	queue, store, sender := setup(t)

	scheduled := time.Now().Add(150 * time.Millisecond).Format(time.RFC3339Nano)
	msg, err := queue.Enqueue(context.Background(), "alpha", []string{"5561"}, "hi", scheduled)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, store.statusOf(msg.ID))
	assert.Empty(t, sender.sentRecipients())

	eventually(t, func() bool {
		return store.statusOf(msg.ID) == StatusSent
	}, "message never dispatched after its delay")
}

func TestEnqueueInvalidTimePersistsNothing(t *testing.T) {
	queue, store, _ := setup(t)

	_, err := queue.Enqueue(context.Background(), "alpha", []string{"5561"}, "hi", "amanhã às dez")
	require.Error(t, err)

	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.Zero(t, store.count())
}

func TestEnqueueEmptySenderIsValidationError(t *testing.T) {
	queue, store, _ := setup(t)

	_, err := queue.Enqueue(context.Background(), "  ", []string{"5561"}, "hi", pastTime())
	require.Error(t, err)

	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.Zero(t, store.count())
}

func TestPerRecipientFailureDoesNotAbortLoop(t *testing.T) {
	queue, store, sender := setup(t)
	sender.failFor["bad"] = true

	msg, err := queue.Enqueue(context.Background(), "alpha",
		[]string{"first", "bad", "last"}, "promo", pastTime())
	require.NoError(t, err)

	eventually(t, func() bool {
		return store.statusOf(msg.ID) == StatusSent
	}, "message with a failed recipient never reached sent")
	assert.Equal(t, []string{"first", "last"}, sender.sentRecipients())
}

func TestEmptyRecipientsStaysPending(t *testing.T) {
	queue, store, sender := setup(t)

	msg, err := queue.Enqueue(context.Background(), "alpha", nil, "promo", pastTime())
	require.NoError(t, err)

	queue.Stop()

	assert.Equal(t, StatusPending, store.statusOf(msg.ID))
	assert.Empty(t, sender.sentRecipients())
}

func TestStatusWriteFailureBecomesError(t *testing.T) {
	queue, store, _ := setup(t)
	store.updateErr = fmt.Errorf("connection reset")

	msg, err := queue.Enqueue(context.Background(), "alpha", []string{"5561"}, "promo", pastTime())
	require.NoError(t, err)

	eventually(t, func() bool {
		return store.statusOf(msg.ID) == StatusError
	}, "failed status write was not converted to error")
}

func TestPanickingAttemptIsRetried(t *testing.T) {
	queue, store, sender := setup(t)
	sender.panicCount = 2

	msg, err := queue.Enqueue(context.Background(), "alpha", []string{"5561"}, "promo", pastTime())
	require.NoError(t, err)

	eventually(t, func() bool {
		return store.statusOf(msg.ID) == StatusSent
	}, "third attempt never succeeded")
	assert.Equal(t, []string{"5561"}, sender.sentRecipients())
}

func TestAttemptsAreBounded(t *testing.T) {
	_, store, _ := setup(t)
	sender := newScriptedSender()
	sender.panicCount = 10
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Service: "test"})
	bounded := NewQueue(store, sender, log, metrics.NewMetrics(false, false, log), 3)

	msg, err := bounded.Enqueue(context.Background(), "alpha", []string{"5561"}, "promo", pastTime())
	require.NoError(t, err)

	bounded.Stop()

	assert.Equal(t, StatusPending, store.statusOf(msg.ID))
	sender.mu.Lock()
	remaining := sender.panicCount
	sender.mu.Unlock()
	assert.Equal(t, 7, remaining)
}

func TestRearmSchedulesPendingRecords(t *testing.T) {
	queue, store, sender := setup(t)

	record := ScheduledMessage{
		ID:            "sched-boot",
		Sender:        "alpha",
		Recipients:    []string{"5561"},
		Body:          "promo",
		Status:        StatusPending,
		ScheduledTime: time.Now().Add(-time.Hour),
		CreatedAt:     time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), record))

	require.NoError(t, queue.Rearm(context.Background()))

	eventually(t, func() bool {
		return store.statusOf("sched-boot") == StatusSent
	}, "pending record was never re-armed")
	assert.Equal(t, []string{"5561"}, sender.sentRecipients())
}

func TestListIsNewestFirst(t *testing.T) {
	queue, store, _ := setup(t)

	older := ScheduledMessage{ID: "a", Status: StatusSent, CreatedAt: time.Now().Add(-time.Hour)}
	newer := ScheduledMessage{ID: "b", Status: StatusPending, CreatedAt: time.Now()}
	require.NoError(t, store.Create(context.Background(), older))
	require.NoError(t, store.Create(context.Background(), newer))

	list, err := queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}
