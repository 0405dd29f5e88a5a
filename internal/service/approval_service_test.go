package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/approval-engine/internal/config"
	"github.com/spec-kit/approval-engine/internal/domain"
	"github.com/spec-kit/approval-engine/internal/events"
	"github.com/spec-kit/approval-engine/internal/repository"
	"github.com/spec-kit/approval-engine/internal/token"
	apperrors "github.com/spec-kit/approval-engine/pkg/util"
)

// memoryStore is an in-memory stand-in for the pgx repositories. Transition
// mirrors the database's guarded update: the status compare-and-swap and the
// history append happen under one lock.
type memoryStore struct {
	mu       sync.Mutex
	requests map[string]*domain.ApprovalRequest
	history  map[string][]domain.ApprovalHistory
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		requests: make(map[string]*domain.ApprovalRequest),
		history:  make(map[string][]domain.ApprovalHistory),
	}
}

func (m *memoryStore) Create(ctx context.Context, req *domain.ApprovalRequest, entry *domain.ApprovalHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	req.ID = uuid.NewString()
	req.CreatedAt = now
	req.UpdatedAt = now
	m.requests[req.ID] = copyRequest(req)
	entry.RequestID = req.ID
	m.appendHistoryLocked(entry)
	return nil
}

func (m *memoryStore) GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyRequest(stored), nil
}

func (m *memoryStore) GetByMessageRef(ctx context.Context, ref string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.requests {
		if stored.ChannelMessageRef != nil && *stored.ChannelMessageRef == ref {
			return copyRequest(stored), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memoryStore) ListWithFilter(ctx context.Context, filter repository.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.ApprovalRequest
	for _, stored := range m.requests {
		if filter.ApproverID != nil && stored.ApproverID != *filter.ApproverID {
			continue
		}
		if filter.RequesterID != nil && stored.RequesterID != *filter.RequesterID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, stored.Status) {
			continue
		}
		result = append(result, *copyRequest(stored))
	}
	return result, nil
}

func (m *memoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.ApprovalRequest
	for _, stored := range m.requests {
		if stored.ExpiryDue(now) {
			result = append(result, *copyRequest(stored))
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *memoryStore) Transition(ctx context.Context, req *domain.ApprovalRequest, expected domain.RequestStatus, entry *domain.ApprovalHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[req.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if stored.Status != expected {
		return &repository.StatusConflictError{RequestID: req.ID, Current: stored.Status}
	}
	req.UpdatedAt = time.Now()
	m.requests[req.ID] = copyRequest(req)
	entry.RequestID = req.ID
	m.appendHistoryLocked(entry)
	return nil
}

func (m *memoryStore) ListByRequest(ctx context.Context, requestID string) ([]domain.ApprovalHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[requestID]
	out := make([]domain.ApprovalHistory, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *memoryStore) appendHistoryLocked(entry *domain.ApprovalHistory) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now()
	m.history[entry.RequestID] = append(m.history[entry.RequestID], *entry)
}

func copyRequest(req *domain.ApprovalRequest) *domain.ApprovalRequest {
	clone := *req
	if req.Data != nil {
		clone.Data = make(map[string]any, len(req.Data))
		for k, v := range req.Data {
			clone.Data[k] = v
		}
	}
	clone.ChannelMessageRef = copyPtr(req.ChannelMessageRef)
	clone.EditTokenHash = copyPtr(req.EditTokenHash)
	clone.EditTokenExpiresAt = copyPtr(req.EditTokenExpiresAt)
	clone.ExpiresAt = copyPtr(req.ExpiresAt)
	return &clone
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func containsStatus(statuses []domain.RequestStatus, status domain.RequestStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestService(store *memoryStore, clock *fakeClock) *ApprovalService {
	return NewApprovalService(ApprovalDependencies{
		RequestRepo:  store,
		HistoryRepo:  store,
		TokenManager: token.NewManager(config.EditTokenConfig{TTLMinutes: 30, BcryptCost: 4}),
		Dispatcher:   events.NewInMemoryDispatcher(zap.NewNop()),
		Logger:       zap.NewNop(),
		Clock:        clock.Now,
	})
}

func budgetInput() CreateInput {
	return CreateInput{
		Title:       "Q1 budget",
		Content:     "$50,000 marketing spend",
		ContentType: domain.ContentTypeBudget,
		RequesterID: "7",
		ApproverID:  "42",
		Data:        map[string]any{"amount": 50000},
	}
}

func mustCreate(t *testing.T, svc *ApprovalService, input CreateInput) *domain.ApprovalRequest {
	t.Helper()
	req, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	return req
}

func TestCreateStartsPendingWithNotifyEntry(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})

	req := mustCreate(t, svc, budgetInput())

	assert.Equal(t, domain.StatusPending, req.Status)
	assert.NotEmpty(t, req.ID)

	history, err := store.ListByRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionNotify, history[0].Action)
	assert.Equal(t, domain.StatusPending, history[0].NewStatus)
	assert.Nil(t, history[0].PreviousStatus)
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	ctx := context.Background()

	cases := []struct {
		name  string
		setup func(in *CreateInput)
	}{
		{"empty title", func(in *CreateInput) { in.Title = "  " }},
		{"empty content", func(in *CreateInput) { in.Content = "" }},
		{"missing requester", func(in *CreateInput) { in.RequesterID = "" }},
		{"missing approver", func(in *CreateInput) { in.ApproverID = "" }},
		{"budget without amount", func(in *CreateInput) { in.Data = map[string]any{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := budgetInput()
			tc.setup(&input)
			_, err := svc.Create(ctx, input)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed), "got %v", err)
		})
	}
}

func TestCreateDefaultsContentTypeToCustom(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	input := budgetInput()
	input.ContentType = ""
	input.Data = nil

	req := mustCreate(t, svc, input)
	assert.Equal(t, domain.ContentTypeCustom, req.ContentType)
	assert.NotNil(t, req.Data)
}

func TestApprovePath(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())

	approved, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)

	history, err := store.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionNotify, history[0].Action)
	assert.Equal(t, domain.ActionApprove, history[1].Action)
	require.NotNil(t, history[1].PreviousStatus)
	assert.Equal(t, domain.StatusPending, *history[1].PreviousStatus)
}

func TestApproveTwiceFailsWithInvalidTransition(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "got %v", err)

	history, _ := store.ListByRequest(ctx, req.ID)
	assert.Len(t, history, 2, "failed attempt must not add history")
}

func TestApproveByWrongActorIsUnauthorized(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())

	_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "99"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized), "got %v", err)

	current, err := store.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, current.Status, "status unchanged after rejection")
}

func TestApproveUnknownRequest(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	_, err := svc.Approve(context.Background(), DecisionInput{RequestID: uuid.NewString(), Actor: Actor{ID: "42"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound), "got %v", err)
}

func TestDisapproveThenResubmit(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	comment := "over budget"
	_, err := svc.Disapprove(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}, Comment: &comment})
	require.NoError(t, err)

	// only the requester may resubmit
	_, err = svc.Resubmit(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized), "got %v", err)

	reopened, err := svc.Resubmit(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, reopened.Status)

	history, _ := store.ListByRequest(ctx, req.ID)
	require.Len(t, history, 3)
	assert.Equal(t, domain.ActionResubmit, history[2].Action)
}

func TestResubmitClearsDeadline(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{at: time.Now()}
	svc := newTestService(store, clock)
	ctx := context.Background()

	input := budgetInput()
	deadline := clock.Now().Add(-time.Hour)
	input.ExpiresAt = &deadline
	req := mustCreate(t, svc, input)

	_, err := svc.Expire(ctx, req.ID)
	require.NoError(t, err)

	reopened, err := svc.Resubmit(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, reopened.Status)
	assert.Nil(t, reopened.ExpiresAt, "resubmission drops the stale deadline")
}

func TestResubmitNotAllowedFromCancelled(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, err := svc.Cancel(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	require.NoError(t, err)

	_, err = svc.Resubmit(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "got %v", err)
}

func TestCancelAuthorization(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, err := svc.Cancel(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "99"}})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized), "stranger cannot cancel")

	cancelled, err := svc.Cancel(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	// approver may cancel too, on a fresh request
	other := mustCreate(t, svc, budgetInput())
	cancelled, err = svc.Cancel(ctx, DecisionInput{RequestID: other.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
}

func TestEditRoundTrip(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())

	editing, plain, err := svc.BeginEdit(ctx, req.ID, Actor{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEditing, editing.Status)
	assert.Len(t, plain, 64)
	require.NotNil(t, editing.EditTokenExpiresAt)

	saved, err := svc.SaveEdit(ctx, req.ID, plain, map[string]any{"amount": 60000}, Actor{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Equal(t, 60000, saved.Data["amount"])
	assert.Nil(t, saved.EditTokenHash, "token consumed")

	history, _ := store.ListByRequest(ctx, req.ID)
	require.Len(t, history, 3)
	assert.Equal(t, domain.ActionEdit, history[1].Action)
	assert.Equal(t, domain.ActionEdit, history[2].Action)
	require.Contains(t, history[2].EditedFields, "amount")

	// the consumed token cannot be replayed
	_, err = svc.SaveEdit(ctx, req.ID, plain, map[string]any{"amount": 70000}, Actor{ID: "42"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken), "got %v", err)
}

func TestSaveEditRejectsWrongToken(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, _, err := svc.BeginEdit(ctx, req.ID, Actor{ID: "42"})
	require.NoError(t, err)

	_, err = svc.SaveEdit(ctx, req.ID, "not-the-token", map[string]any{"amount": 1}, Actor{ID: "42"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken), "got %v", err)

	current, _ := store.GetByID(ctx, req.ID)
	assert.Equal(t, domain.StatusEditing, current.Status, "rejected save leaves request editing")
}

func TestSaveEditRejectsExpiredToken(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{at: time.Now()}
	svc := newTestService(store, clock)
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, plain, err := svc.BeginEdit(ctx, req.ID, Actor{ID: "42"})
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	_, err = svc.SaveEdit(ctx, req.ID, plain, map[string]any{"amount": 1}, Actor{ID: "42"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken), "got %v", err)
}

func TestBeginEditRequiresPending(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)

	_, _, err = svc.BeginEdit(ctx, req.ID, Actor{ID: "42"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "got %v", err)
}

func TestBeginEditRequiresApprover(t *testing.T) {
	svc := newTestService(newMemoryStore(), &fakeClock{at: time.Now()})
	req := mustCreate(t, svc, budgetInput())

	_, _, err := svc.BeginEdit(context.Background(), req.ID, Actor{ID: "7"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized), "got %v", err)
}

func TestExpireOnlyWhenDue(t *testing.T) {
	store := newMemoryStore()
	clock := &fakeClock{at: time.Now()}
	svc := newTestService(store, clock)
	ctx := context.Background()

	noDeadline := mustCreate(t, svc, budgetInput())
	_, err := svc.Expire(ctx, noDeadline.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "no deadline, not expirable")

	input := budgetInput()
	future := clock.Now().Add(time.Hour)
	input.ExpiresAt = &future
	notYet := mustCreate(t, svc, input)
	_, err = svc.Expire(ctx, notYet.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "deadline not reached")

	clock.Advance(2 * time.Hour)
	expired, err := svc.Expire(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, expired.Status)

	history, _ := store.ListByRequest(ctx, notYet.ID)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionExpire, history[1].Action)
	assert.Nil(t, history[1].ActorID, "expiry is system-invoked")
}

func TestHistoryReproducesStatusSequence(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, plain, err := svc.BeginEdit(ctx, req.ID, Actor{ID: "42"})
	require.NoError(t, err)
	_, err = svc.SaveEdit(ctx, req.ID, plain, map[string]any{"amount": 55000}, Actor{ID: "42"})
	require.NoError(t, err)
	_, err = svc.Disapprove(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)
	_, err = svc.Resubmit(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "7"}})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)

	history, err := store.ListByRequest(ctx, req.ID)
	require.NoError(t, err)

	want := []domain.RequestStatus{
		domain.StatusPending,
		domain.StatusEditing,
		domain.StatusPending,
		domain.StatusDisapproved,
		domain.StatusPending,
		domain.StatusApproved,
	}
	require.Len(t, history, len(want))
	for i, entry := range history {
		assert.Equal(t, want[i], entry.NewStatus, "entry %d", i)
		if i > 0 {
			require.NotNil(t, entry.PreviousStatus, "entry %d", i)
			assert.Equal(t, want[i-1], *entry.PreviousStatus, "entry %d chains from prior status", i)
		}
	}
}

func TestConcurrentDoubleApproval(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case apperrors.HasCode(err, apperrors.CodeInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one approval wins")
	assert.Equal(t, 1, conflicted, "the loser sees an invalid transition")

	history, _ := store.ListByRequest(ctx, req.ID)
	approvals := 0
	for _, entry := range history {
		if entry.Action == domain.ActionApprove {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals, "exactly one approve entry recorded")
}

func TestGetWithHistory(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}})
	require.NoError(t, err)

	fetched, history, err := svc.GetWithHistory(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, fetched.ID)
	assert.Len(t, history, 2)

	_, _, err = svc.GetWithHistory(ctx, uuid.NewString())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestCallbackGuardFailsOpenWithoutRedis(t *testing.T) {
	guard := NewCallbackGuard(nil, zap.NewNop())
	assert.True(t, guard.FirstDelivery(context.Background(), "cb-1"))
	assert.True(t, guard.FirstDelivery(context.Background(), "cb-1"), "no redis, every delivery passes")
}

// memoryGuard is an in-memory DeliveryGuard for exercising the callback
// dedup paths without redis.
type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: make(map[string]bool)}
}

func (g *memoryGuard) FirstDelivery(ctx context.Context, correlationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[correlationID] {
		return false
	}
	g.keys[correlationID] = true
	return true
}

func (g *memoryGuard) Release(ctx context.Context, correlationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, correlationID)
}

func (g *memoryGuard) held(correlationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[correlationID]
}

// flakyStore fails the first N transitions, the way a dropped database
// connection would.
type flakyStore struct {
	*memoryStore
	failMu             sync.Mutex
	transitionFailures int
}

func (f *flakyStore) Transition(ctx context.Context, req *domain.ApprovalRequest, expected domain.RequestStatus, entry *domain.ApprovalHistory) error {
	f.failMu.Lock()
	fail := f.transitionFailures > 0
	if fail {
		f.transitionFailures--
	}
	f.failMu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.memoryStore.Transition(ctx, req, expected, entry)
}

func newGuardedService(store repository.ApprovalRepository, history repository.ApprovalHistoryRepository, guard DeliveryGuard) *ApprovalService {
	return NewApprovalService(ApprovalDependencies{
		RequestRepo:   store,
		HistoryRepo:   history,
		TokenManager:  token.NewManager(config.EditTokenConfig{TTLMinutes: 30, BcryptCost: 4}),
		Dispatcher:    events.NewInMemoryDispatcher(zap.NewNop()),
		CallbackGuard: guard,
		Logger:        zap.NewNop(),
		Clock:         (&fakeClock{at: time.Now()}).Now,
	})
}

func TestDecisionRetryAfterStorageFailureStillApplies(t *testing.T) {
	store := newMemoryStore()
	flaky := &flakyStore{memoryStore: store, transitionFailures: 1}
	guard := newMemoryGuard()
	svc := newGuardedService(flaky, store, guard)
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	corr := "cb-delivery-1"
	input := DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}, CorrelationID: &corr}

	_, err := svc.Approve(ctx, input)
	require.True(t, apperrors.HasCode(err, apperrors.CodeStorageError))
	assert.False(t, guard.held(corr), "failed delivery must give its claim back")

	stored, err := store.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	approved, err := svc.Approve(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.True(t, guard.held(corr))

	history, err := store.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionApprove, history[1].Action)
}

func TestDecisionRetryAfterUnauthorizedStillApplies(t *testing.T) {
	store := newMemoryStore()
	guard := newMemoryGuard()
	svc := newGuardedService(store, store, guard)
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	corr := "cb-delivery-2"

	_, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "99"}, CorrelationID: &corr})
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized))

	approved, err := svc.Approve(ctx, DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}, CorrelationID: &corr})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
}

func TestDuplicateCallbackReturnsCurrentStateWithoutSecondEntry(t *testing.T) {
	store := newMemoryStore()
	guard := newMemoryGuard()
	svc := newGuardedService(store, store, guard)
	ctx := context.Background()

	req := mustCreate(t, svc, budgetInput())
	corr := "cb-delivery-3"
	input := DecisionInput{RequestID: req.ID, Actor: Actor{ID: "42"}, CorrelationID: &corr}

	first, err := svc.Approve(ctx, input)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, first.Status)

	redelivered, err := svc.Approve(ctx, input)
	require.NoError(t, err, "redelivery of an applied decision is not an error")
	assert.Equal(t, domain.StatusApproved, redelivered.Status)

	history, err := store.ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBeginEditAgainReissuesToken(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()
	approver := Actor{ID: "42"}

	req := mustCreate(t, svc, budgetInput())
	_, first, err := svc.BeginEdit(ctx, req.ID, approver)
	require.NoError(t, err)

	editing, second, err := svc.BeginEdit(ctx, req.ID, approver)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEditing, editing.Status)
	assert.NotEqual(t, first, second)

	_, err = svc.SaveEdit(ctx, req.ID, first, map[string]any{"amount": 60000}, approver)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken), "superseded token no longer opens the edit")

	saved, err := svc.SaveEdit(ctx, req.ID, second, map[string]any{"amount": 60000}, approver)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, saved.Status)
}

func TestGetByMessageRefResolvesRequest(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &fakeClock{at: time.Now()})
	ctx := context.Background()

	input := budgetInput()
	ref := "C042:1726000000.000100"
	input.ChannelMessageRef = &ref
	created := mustCreate(t, svc, input)

	found, err := svc.GetByMessageRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = svc.GetByMessageRef(ctx, "C042:0")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}
