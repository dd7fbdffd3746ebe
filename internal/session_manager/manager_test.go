package session_manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
)

type fakeHandle struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	sent       []sentMessage
	events     chan channel.Event
	closed     bool
}

type sentMessage struct {
	address string
	body    string
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan channel.Event, 16)}
}

func (h *fakeHandle) Connect(context.Context) error { return h.connectErr }

func (h *fakeHandle) Send(_ context.Context, address, body string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.sent = append(h.sent, sentMessage{address: address, body: body})
	return fmt.Sprintf("msg-%d", len(h.sent)), nil
}

func (h *fakeHandle) ContactName(context.Context, string) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (h *fakeHandle) Events() <-chan channel.Event { return h.events }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) sentMessages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sentMessage, len(h.sent))
	copy(out, h.sent)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	opened  int
	nextErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{handles: make(map[string]*fakeHandle)}
}

func (f *fakeFactory) Open(sessionID string) (channel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	f.opened++
	h, ok := f.handles[sessionID]
	if !ok {
		h = newFakeHandle()
		f.handles[sessionID] = h
	}
	return h, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*SessionRecord
	createErr error
	findErr   error
	updates   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*SessionRecord)}
}

func (s *fakeStore) Create(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	now := time.Now()
	s.records[sessionID] = &SessionRecord{
		SessionID: sessionID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *fakeStore) Find(_ context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	record, ok := s.records[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *fakeStore) UpsertStatus(_ context.Context, sessionID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		record = &SessionRecord{SessionID: sessionID, CreatedAt: time.Now()}
		s.records[sessionID] = record
	}
	record.Status = status
	record.UpdatedAt = time.Now()
	s.updates = append(s.updates, sessionID+":"+string(status))
	return nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, sessionID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	record.Status = status
	record.UpdatedAt = time.Now()
	s.updates = append(s.updates, sessionID+":"+string(status))
	return nil
}

func (s *fakeStore) FindByStatus(_ context.Context, status Status) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []SessionRecord
	for _, record := range s.records {
		if record.Status == status {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (s *fakeStore) statusOf(sessionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return ""
	}
	return record.Status
}

type recordingInbound struct {
	mu       sync.Mutex
	received []string
	panics   bool
}

func (r *recordingInbound) HandleInbound(_ context.Context, sessionID string, msg *channel.InboundMessage) {
	r.mu.Lock()
	r.received = append(r.received, sessionID+":"+msg.Body)
	panics := r.panics
	r.mu.Unlock()
	if panics {
		panic("boom")
	}
}

func (r *recordingInbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func setup(t *testing.T) (*Manager, *fakeFactory, *fakeStore) {
	t.Helper()
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Service: "test"})
	factory := newFakeFactory()
	store := newFakeStore()
	manager := NewManager(factory, store, log, metrics.NewMetrics(false, false, log))
	return manager, factory, store
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

func TestCreateSessionTrimsName(t *testing.T) {
	manager, _, store := setup(t)

	id, err := manager.CreateSession(context.Background(), "  alpha  ")
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
	assert.Equal(t, StatusPending, store.statusOf("alpha"))
}

func TestCreateSessionRejectsEmptyName(t *testing.T) {
	manager, _, _ := setup(t)

	_, err := manager.CreateSession(context.Background(), "   ")
	assert.Error(t, err)
}

func TestCreateSessionSwallowsPersistenceFailure(t *testing.T) {
	manager, _, store := setup(t)
	store.createErr = fmt.Errorf("connection refused")

	id, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
}

func TestStartSessionUnknownIDIsNotFound(t *testing.T) {
	manager, factory, _ := setup(t)

	result := manager.StartSession(context.Background(), "ghost", true)
	assert.Equal(t, StartNotFound, result.Status)
	assert.Equal(t, "ghost", result.SessionID)
	assert.Zero(t, factory.openCount())
}

func TestStartSessionOpensExactlyOneHandle(t *testing.T) {
	manager, factory, _ := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)

	first := manager.StartSession(context.Background(), "alpha", true)
	assert.Equal(t, StartInitializing, first.Status)

	second := manager.StartSession(context.Background(), "alpha", true)
	assert.Equal(t, StartAlreadyStarted, second.Status)

	assert.Equal(t, 1, factory.openCount())
	assert.Equal(t, []string{"alpha"}, manager.ListSessions())
}

func TestStartSessionConcurrentStartsShareOneHandle(t *testing.T) {
	manager, factory, _ := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)

	const callers = 16
	results := make(chan StartResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- manager.StartSession(context.Background(), "alpha", true)
		}()
	}
	wg.Wait()
	close(results)

	initializing := 0
	for result := range results {
		if result.Status == StartInitializing {
			initializing++
		} else {
			assert.Equal(t, StartAlreadyStarted, result.Status)
		}
	}
	assert.Equal(t, 1, initializing)
	assert.Equal(t, 1, factory.openCount())
}

// slowOpenFactory blocks Open for one session id until released.
type slowOpenFactory struct {
	*fakeFactory
	slowID  string
	entered chan struct{}
	proceed chan struct{}
}

func (f *slowOpenFactory) Open(sessionID string) (channel.Handle, error) {
	if sessionID == f.slowID {
		f.entered <- struct{}{}
		<-f.proceed
	}
	return f.fakeFactory.Open(sessionID)
}

func TestStartSessionDoesNotBlockRegistryDuringOpen(t *testing.T) {
	log := logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Service: "test"})
	store := newFakeStore()
	factory := &slowOpenFactory{
		fakeFactory: newFakeFactory(),
		slowID:      "slow",
		entered:     make(chan struct{}, 1),
		proceed:     make(chan struct{}),
	}
	manager := NewManager(factory, store, log, metrics.NewMetrics(false, false, log))

	ctx := context.Background()
	_, err := manager.CreateSession(ctx, "fast")
	require.NoError(t, err)
	_, err = manager.CreateSession(ctx, "slow")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(ctx, "fast", true).Status)

	started := make(chan StartResult, 1)
	go func() {
		started <- manager.StartSession(ctx, "slow", true)
	}()

	select {
	case <-factory.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the slow open to begin")
	}

	// The open is in flight; other sessions and the registry stay usable.
	assert.Equal(t, []string{"fast"}, manager.ListSessions())
	assert.Equal(t, SendSuccess, manager.Send(ctx, "fast", "556195010011", "oi").Status)

	// A concurrent start for the same id sees the reservation.
	assert.Equal(t, StartAlreadyStarted, manager.StartSession(ctx, "slow", true).Status)

	close(factory.proceed)
	select {
	case result := <-started:
		assert.Equal(t, StartInitializing, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the slow start to finish")
	}
	assert.Equal(t, []string{"fast", "slow"}, manager.ListSessions())
}

func TestStartSessionConnectFailureRemovesHandle(t *testing.T) {
	manager, factory, store := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)

	handle := newFakeHandle()
	handle.connectErr = fmt.Errorf("gateway unreachable")
	factory.handles["alpha"] = handle

	result := manager.StartSession(context.Background(), "alpha", true)
	assert.Equal(t, StartError, result.Status)
	assert.Empty(t, manager.ListSessions())
	assert.Equal(t, StatusError, store.statusOf("alpha"))

	// A retry must open a fresh handle instead of reporting already-started.
	factory.handles["alpha"] = newFakeHandle()
	retry := manager.StartSession(context.Background(), "alpha", true)
	assert.Equal(t, StartInitializing, retry.Status)
}

func TestSendUnknownSessionPerformsNoTransportCall(t *testing.T) {
	manager, factory, _ := setup(t)

	result := manager.Send(context.Background(), "ghost", "+55 61 9501-0011", "hi")
	assert.Equal(t, SendError, result.Status)
	assert.Contains(t, result.Error, "ghost")
	assert.Empty(t, result.MessageID)
	assert.Zero(t, factory.openCount())
}

func TestSendCanonicalizesRecipient(t *testing.T) {
	manager, factory, _ := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	result := manager.Send(context.Background(), "alpha", "+55 61 9501-0011", "hello")
	require.Equal(t, SendSuccess, result.Status)
	assert.Equal(t, "msg-1", result.MessageID)

	sent := factory.handles["alpha"].sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "556195010011@c.us", sent[0].address)
	assert.Equal(t, "hello", sent[0].body)
}

func TestSendFailureYieldsErrorResult(t *testing.T) {
	manager, factory, _ := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	factory.handles["alpha"].sendErr = fmt.Errorf("transport timeout")

	result := manager.Send(context.Background(), "alpha", "5561", "hello")
	assert.Equal(t, SendError, result.Status)
	assert.Contains(t, result.Error, "transport timeout")
}

func TestReadyEventUpsertsPersistedState(t *testing.T) {
	manager, factory, store := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	factory.handles["alpha"].events <- channel.Event{Type: channel.EventReady}

	eventually(t, func() bool {
		return store.statusOf("alpha") == StatusReady
	}, "ready state was never persisted")
}

func TestDisconnectedEventRemovesHandle(t *testing.T) {
	manager, factory, store := setup(t)
	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	factory.handles["alpha"].events <- channel.Event{Type: channel.EventDisconnected, Reason: "logged out"}

	eventually(t, func() bool {
		return len(manager.ListSessions()) == 0
	}, "handle was never removed")
	assert.Equal(t, StatusDisconnected, store.statusOf("alpha"))
}

func TestInboundMessagesAreForwarded(t *testing.T) {
	manager, factory, _ := setup(t)
	inbound := &recordingInbound{}
	manager.SetInboundHandler(inbound)

	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	factory.handles["alpha"].events <- channel.Event{
		Type:    channel.EventMessage,
		Message: &channel.InboundMessage{From: "556195010011@c.us", Body: "oi"},
	}

	eventually(t, func() bool {
		return inbound.count() == 1
	}, "inbound message was never forwarded")
}

func TestInboundHandlerPanicDoesNotKillEventLoop(t *testing.T) {
	manager, factory, store := setup(t)
	inbound := &recordingInbound{panics: true}
	manager.SetInboundHandler(inbound)

	_, err := manager.CreateSession(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, StartInitializing, manager.StartSession(context.Background(), "alpha", true).Status)

	handle := factory.handles["alpha"]
	handle.events <- channel.Event{
		Type:    channel.EventMessage,
		Message: &channel.InboundMessage{From: "x@c.us", Body: "boom"},
	}
	handle.events <- channel.Event{Type: channel.EventReady}

	// The loop must survive the panicking handler and still process the
	// ready event that follows.
	eventually(t, func() bool {
		return store.statusOf("alpha") == StatusReady
	}, "event loop died after handler panic")
}

func TestResumePersistedStartsReadySessions(t *testing.T) {
	manager, factory, store := setup(t)
	for _, id := range []string{"alpha", "beta"} {
		_, err := manager.CreateSession(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, store.UpsertStatus(context.Background(), id, StatusReady))
	}

	require.NoError(t, manager.ResumePersisted(context.Background()))

	assert.ElementsMatch(t, []string{"alpha", "beta"}, manager.ListSessions())
	assert.Equal(t, 2, factory.openCount())
}

func TestResumePersistedFailureDoesNotBlockOthers(t *testing.T) {
	manager, factory, store := setup(t)
	for _, id := range []string{"alpha", "beta"} {
		_, err := manager.CreateSession(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, store.UpsertStatus(context.Background(), id, StatusReady))
	}

	broken := newFakeHandle()
	broken.connectErr = fmt.Errorf("profile corrupted")
	factory.handles["alpha"] = broken

	require.NoError(t, manager.ResumePersisted(context.Background()))

	assert.Equal(t, []string{"beta"}, manager.ListSessions())
}
