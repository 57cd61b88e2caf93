package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"advisorhub/internal/membership"
	"advisorhub/internal/testutil"
	"advisorhub/internal/websocket"
	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

// Mock SessionStore for testing
type mockSessionStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*types.CallSession
	updates  []types.SessionUpdate
	ended    map[int64]types.EndSessionData

	// Control behavior for testing
	shouldFailCreate bool
	shouldFailUpdate bool
	shouldFailEnd    bool
	shouldFailList   bool
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{
		sessions: make(map[int64]*types.CallSession),
		ended:    make(map[int64]types.EndSessionData),
	}
}

func (m *mockSessionStore) CreateSession(ctx context.Context, req *types.CreateSessionRequest) (*types.CallSession, error) {
	if m.shouldFailCreate {
		return nil, errors.New("database create failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := &types.CallSession{
		ID:            m.nextID,
		UserID:        req.UserID,
		AdvisorID:     req.AdvisorID,
		SessionType:   req.SessionType,
		RatePerMinute: req.RatePerMinute,
		Status:        types.SessionStatusCreated,
		CreatedAt:     time.Now(),
	}
	m.sessions[s.ID] = s
	return s.Clone(), nil
}

func (m *mockSessionStore) GetSession(ctx context.Context, sessionID int64) (*types.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *mockSessionStore) UpdateSession(ctx context.Context, sessionID int64, update types.SessionUpdate) error {
	if m.shouldFailUpdate {
		return errors.New("database update failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	if s, ok := m.sessions[sessionID]; ok {
		s.Status = update.Status
	}
	return nil
}

func (m *mockSessionStore) EndSession(ctx context.Context, sessionID int64, data types.EndSessionData) (*types.BillingResult, error) {
	if m.shouldFailEnd {
		return nil, errors.New("database end failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = data
	if s, ok := m.sessions[sessionID]; ok {
		s.Status = types.SessionStatusCompleted
	}
	return &types.BillingResult{
		SessionID:      sessionID,
		BilledAmount:   data.BilledAmount,
		ActualDuration: data.ActualDuration,
		ActualEndTime:  data.ActualEndTime,
	}, nil
}

func (m *mockSessionStore) ListActiveSessions(ctx context.Context) ([]*types.CallSession, error) {
	if m.shouldFailList {
		return nil, errors.New("database list failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.CallSession
	for _, s := range m.sessions {
		if s.Status != types.SessionStatusCompleted {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *mockSessionStore) endedData(id int64) (types.EndSessionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.ended[id]
	return d, ok
}

type managerFixture struct {
	manager  *Manager
	store    *mockSessionStore
	members  *membership.Membership
	registry *websocket.Registry
	now      time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:   newMockSessionStore(),
		members: membership.New(),
		now:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.registry = websocket.NewRegistry(f.members, nil)
	f.manager = NewManager(f.store, f.members, f.registry, Config{}, nil)
	f.manager.SetClock(func() time.Time { return f.now })
	return f
}

func (f *managerFixture) connect(t *testing.T, userID int64) *testutil.Transport {
	t.Helper()
	tr := testutil.NewTransport()
	if err := f.registry.HandleConnection(tr, userID); err != nil {
		t.Fatalf("HandleConnection(%d) failed: %v", userID, err)
	}
	return tr
}

func (f *managerFixture) create(t *testing.T, rate int64) *types.CallSession {
	t.Helper()
	s, err := f.manager.CreateSession(context.Background(), types.CreateSessionRequest{
		UserID:        123,
		AdvisorID:     456,
		SessionType:   types.SessionTypeVideo,
		RatePerMinute: rate,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

func TestCreateSession_TracksAndJoinsParticipants(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 250)

	if s.Status != types.SessionStatusCreated {
		t.Errorf("Expected status created, got %s", s.Status)
	}
	if !reflect.DeepEqual(f.members.GetUsersInSession(s.ID), []int64{123, 456}) {
		t.Errorf("Expected both parties in membership, got %v", f.members.GetUsersInSession(s.ID))
	}
	if f.manager.GetActiveSession(s.ID) == nil {
		t.Error("Session should be tracked")
	}
	if s.BilledAmount != nil || s.ActualDuration != nil {
		t.Error("Billing fields must be empty until completion")
	}
}

func TestCreateSession_Validation(t *testing.T) {
	f := newManagerFixture(t)

	tests := []struct {
		name string
		req  types.CreateSessionRequest
		want error
	}{
		{"same party", types.CreateSessionRequest{UserID: 1, AdvisorID: 1, SessionType: "chat"}, types.ErrInvalidParticipants},
		{"missing advisor", types.CreateSessionRequest{UserID: 1, SessionType: "chat"}, types.ErrInvalidParticipants},
		{"bad type", types.CreateSessionRequest{UserID: 1, AdvisorID: 2, SessionType: "fax"}, types.ErrInvalidSessionType},
		{"negative rate", types.CreateSessionRequest{UserID: 1, AdvisorID: 2, SessionType: "chat", RatePerMinute: -1}, types.ErrInvalidRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.manager.CreateSession(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	f.store.shouldFailCreate = true
	_, err := f.manager.CreateSession(context.Background(), types.CreateSessionRequest{UserID: 1, AdvisorID: 2, SessionType: "chat"})
	if err == nil || types.IsValidationError(err) {
		t.Errorf("Expected a store error, got %v", err)
	}
}

func TestUpdateSessionStatus_MonotonicTransitions(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 100)
	ctx := context.Background()

	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusConnecting); err != nil {
		t.Fatalf("created -> connecting failed: %v", err)
	}
	active, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusActive)
	if err != nil {
		t.Fatalf("connecting -> active failed: %v", err)
	}
	if active.ActualStartTime == nil || !active.ActualStartTime.Equal(f.now) {
		t.Errorf("Expected ActualStartTime to be stamped, got %v", active.ActualStartTime)
	}

	updates := len(f.store.updates)
	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusActive); err != nil {
		t.Errorf("Same-status update should be a no-op, got %v", err)
	}
	if len(f.store.updates) != updates {
		t.Error("Same-status update must not be persisted")
	}

	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusConnecting); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if got := f.manager.GetActiveSession(s.ID).Status; got != types.SessionStatusActive {
		t.Errorf("Rejected transition changed status to %s", got)
	}

	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, "paused"); !errors.Is(err, types.ErrInvalidSessionStatus) {
		t.Errorf("Expected ErrInvalidSessionStatus, got %v", err)
	}
	if _, err := f.manager.UpdateSessionStatus(ctx, 999, types.SessionStatusActive); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateSessionStatus_NotifiesMembers(t *testing.T) {
	f := newManagerFixture(t)
	user := f.connect(t, 123)
	advisor := f.connect(t, 456)
	s := f.create(t, 100)

	if _, err := f.manager.UpdateSessionStatus(context.Background(), s.ID, types.SessionStatusConnecting); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for _, tr := range []*testutil.Transport{user, advisor} {
		got := tr.EnvelopesOfType(types.TypeSessionUpdate)
		if len(got) != 1 {
			t.Fatalf("Expected 1 session_update, got %d", len(got))
		}
		notice := got[0].Payload.(types.SessionUpdateNotice)
		if notice.Status != types.SessionStatusConnecting || notice.SessionID != s.ID {
			t.Errorf("Unexpected notice %+v", notice)
		}
	}
}

func TestUpdateSessionStatus_StoreFailureRollsBack(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 100)
	f.store.shouldFailUpdate = true

	if _, err := f.manager.UpdateSessionStatus(context.Background(), s.ID, types.SessionStatusActive); err == nil {
		t.Fatal("Expected store failure")
	}
	got := f.manager.GetActiveSession(s.ID)
	if got.Status != types.SessionStatusCreated || got.ActualStartTime != nil {
		t.Errorf("Expected rollback to created, got %+v", got)
	}
}

func TestEndSession_BillsRoundedUpMinutes(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		minutes int64
	}{
		{"exactly five minutes", 5 * time.Minute, 5},
		{"one second over", 5*time.Minute + time.Second, 6},
		{"under a minute", 10 * time.Second, 1},
		{"no time", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			s := f.create(t, 250)
			if _, err := f.manager.UpdateSessionStatus(context.Background(), s.ID, types.SessionStatusActive); err != nil {
				t.Fatalf("Activate failed: %v", err)
			}
			f.now = f.now.Add(tt.elapsed)

			result, err := f.manager.EndSession(context.Background(), s.ID, EndOptions{EndReason: "user_ended"})
			if err != nil {
				t.Fatalf("EndSession failed: %v", err)
			}
			if result.ActualDuration != tt.minutes || result.BilledAmount != tt.minutes*250 {
				t.Errorf("Expected %d min / %d cents, got %+v", tt.minutes, tt.minutes*250, result)
			}
		})
	}
}

func TestEndSession_FiveMinuteCallScenario(t *testing.T) {
	f := newManagerFixture(t)
	user := f.connect(t, 123)
	advisor := f.connect(t, 456)
	s := f.create(t, 250)
	ctx := context.Background()

	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusActive); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	f.now = f.now.Add(5 * time.Minute)

	result, err := f.manager.EndSession(ctx, s.ID, EndOptions{EndReason: "user_ended"})
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if result.BilledAmount != 1250 || result.ActualDuration != 5 {
		t.Errorf("Expected 1250 cents over 5 minutes, got %+v", result)
	}

	data, ok := f.store.endedData(s.ID)
	if !ok || data.EndReason != "user_ended" || !data.ActualEndTime.Equal(f.now) {
		t.Errorf("Unexpected persisted end data %+v", data)
	}
	for _, tr := range []*testutil.Transport{user, advisor} {
		got := tr.EnvelopesOfType(types.TypeSessionEnd)
		if len(got) != 1 {
			t.Fatalf("Expected 1 session_end, got %d", len(got))
		}
		if n := got[0].Payload.(types.SessionEndNotice); n.BilledAmount != 1250 || n.EndReason != "user_ended" {
			t.Errorf("Unexpected notice %+v", n)
		}
	}
	if f.manager.GetActiveSession(s.ID) != nil {
		t.Error("Ended session must not be tracked")
	}
	if len(f.members.GetUsersInSession(s.ID)) != 0 {
		t.Error("Members should be removed from an ended session")
	}
	if _, err := f.manager.EndSession(ctx, s.ID, EndOptions{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Second end should report not found, got %v", err)
	}
}

func TestEndSession_NeverActiveBillsZero(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 500)
	f.now = f.now.Add(time.Hour)

	result, err := f.manager.EndSession(context.Background(), s.ID, EndOptions{EndReason: "cancelled"})
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if result.BilledAmount != 0 || result.ActualDuration != 0 {
		t.Errorf("Expected zero billing, got %+v", result)
	}
}

func TestEndSession_StoreFailureKeepsSessionTracked(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 100)
	f.store.shouldFailEnd = true

	if _, err := f.manager.EndSession(context.Background(), s.ID, EndOptions{EndReason: "x"}); err == nil {
		t.Fatal("Expected store failure")
	}
	if f.manager.GetActiveSession(s.ID) == nil {
		t.Error("Session should remain tracked after a failed end")
	}

	f.store.shouldFailEnd = false
	if _, err := f.manager.EndSession(context.Background(), s.ID, EndOptions{EndReason: "x"}); err != nil {
		t.Errorf("Retry should succeed, got %v", err)
	}
}

func TestUpdateSessionStatus_CompletedEndsSession(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t, 100)
	ctx := context.Background()
	if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusActive); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	f.now = f.now.Add(90 * time.Second)

	final, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusCompleted)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if final.Status != types.SessionStatusCompleted || *final.BilledAmount != 200 || final.EndReason != ReasonCompleted {
		t.Errorf("Unexpected final session %+v", final)
	}
	if f.manager.GetActiveSession(s.ID) != nil {
		t.Error("Completed session must not be tracked")
	}
}

func TestCleanupOrphanedSessions(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	orphan := f.create(t, 100)
	live := f.create(t, 100)
	pending := f.create(t, 100)
	for _, s := range []*types.CallSession{orphan, live} {
		if _, err := f.manager.UpdateSessionStatus(ctx, s.ID, types.SessionStatusActive); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
	}
	// live keeps a connected member; orphan and pending share the same
	// parties, so membership alone cannot tell them apart.
	f.members.RemoveUserFromSession(123, live.ID)
	f.members.RemoveUserFromSession(456, live.ID)
	f.members.AddUserToSession(789, live.ID)
	f.connect(t, 789)

	ended, err := f.manager.CleanupOrphanedSessions(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ended, []int64{orphan.ID}) {
		t.Errorf("Expected only %d to be ended, got %v", orphan.ID, ended)
	}
	if data, _ := f.store.endedData(orphan.ID); data.EndReason != ReasonOrphaned {
		t.Errorf("Expected reason orphaned, got %q", data.EndReason)
	}
	if f.manager.GetActiveSession(live.ID) == nil || f.manager.GetActiveSession(pending.ID) == nil {
		t.Error("Live and not-yet-active sessions must survive the sweep")
	}

	again, err := f.manager.CleanupOrphanedSessions(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("Second sweep should be a no-op, got %v (%v)", again, err)
	}
}

func TestCleanupOrphanedSessions_AbandonedBeforeActive(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	abandoned := f.create(t, 100)
	if _, err := f.manager.UpdateSessionStatus(ctx, abandoned.ID, types.SessionStatusConnecting); err != nil {
		t.Fatalf("Connecting failed: %v", err)
	}
	f.connect(t, 123)
	f.connect(t, 456)
	f.registry.HandleDisconnection(123)
	f.registry.HandleDisconnection(456)

	// Parties of this one have not connected yet; it must keep waiting.
	waiting, err := f.manager.CreateSession(ctx, types.CreateSessionRequest{
		UserID:        321,
		AdvisorID:     654,
		SessionType:   types.SessionTypeChat,
		RatePerMinute: 100,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ended, err := f.manager.CleanupOrphanedSessions(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ended, []int64{abandoned.ID}) {
		t.Fatalf("Expected %d to be ended, got %v", abandoned.ID, ended)
	}
	if f.manager.GetActiveSession(abandoned.ID) != nil {
		t.Error("Abandoned session should no longer be tracked")
	}
	data, ok := f.store.endedData(abandoned.ID)
	if !ok {
		t.Fatal("Abandoned session should be ended in the store")
	}
	if data.EndReason != ReasonOrphaned || data.ActualDuration != 0 || data.BilledAmount != 0 {
		t.Errorf("Expected an unbilled orphan end, got %+v", data)
	}
	if f.manager.GetActiveSession(waiting.ID) == nil {
		t.Error("A session still waiting for its parties must survive the sweep")
	}

	again, err := f.manager.CleanupOrphanedSessions(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("Second sweep should be a no-op, got %v (%v)", again, err)
	}
}

func TestParticipants(t *testing.T) {
	f := newManagerFixture(t)
	f.manager = NewManager(f.store, f.members, f.registry, Config{MaxParticipants: 3}, nil)
	s := f.create(t, 0)

	if err := f.manager.AddParticipant(s.ID, 789); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if err := f.manager.AddParticipant(s.ID, 789); err != nil {
		t.Errorf("Re-adding should be a no-op, got %v", err)
	}
	if err := f.manager.AddParticipant(s.ID, 1000); !errors.Is(err, ErrSessionFull) {
		t.Errorf("Expected ErrSessionFull, got %v", err)
	}
	if !f.manager.IsUserInSession(s.ID, 789) || !f.members.IsUserInSession(789, s.ID) {
		t.Error("Participant should be tracked and a member")
	}

	if err := f.manager.RemoveParticipant(s.ID, 789); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	if !reflect.DeepEqual(f.manager.GetSessionParticipants(s.ID), []int64{123, 456}) {
		t.Errorf("Unexpected participants %v", f.manager.GetSessionParticipants(s.ID))
	}
	if err := f.manager.AddParticipant(404, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestLoadActiveSessions(t *testing.T) {
	f := newManagerFixture(t)
	f.store.sessions[7] = &types.CallSession{ID: 7, UserID: 1, AdvisorID: 2, SessionType: "chat", Status: types.SessionStatusActive}
	f.store.sessions[8] = &types.CallSession{ID: 8, UserID: 3, AdvisorID: 4, SessionType: "audio", Status: types.SessionStatusCompleted}

	n, err := f.manager.LoadActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("LoadActiveSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 loaded, got %d", n)
	}
	if f.manager.GetActiveSession(7) == nil || f.manager.GetActiveSession(8) != nil {
		t.Error("Only the non-completed session should be tracked")
	}
	if !reflect.DeepEqual(f.members.GetUsersInSession(7), []int64{1, 2}) {
		t.Errorf("Membership not restored: %v", f.members.GetUsersInSession(7))
	}

	f.store.shouldFailList = true
	if _, err := f.manager.LoadActiveSessions(context.Background()); err == nil {
		t.Error("Expected list failure to propagate")
	}
}

func TestQueriesAndStats(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	a := f.create(t, 100)
	b, err := f.manager.CreateSession(ctx, types.CreateSessionRequest{UserID: 5, AdvisorID: 456, SessionType: types.SessionTypeChat, RatePerMinute: 50})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if got := f.manager.GetAdvisorActiveSessions(456); len(got) != 2 {
		t.Errorf("Expected 2 advisor sessions, got %d", len(got))
	}
	if got := f.manager.GetUserActiveSessions(5); len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("Unexpected user sessions %v", got)
	}

	if _, err := f.manager.UpdateSessionStatus(ctx, a.ID, types.SessionStatusActive); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	f.now = f.now.Add(3 * time.Minute)
	if _, err := f.manager.EndSession(ctx, a.ID, EndOptions{EndReason: "done"}); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	stats := f.manager.GetSessionStats()
	if stats.TotalActive != 1 || stats.ByType[types.SessionTypeChat] != 1 || stats.ByStatus[types.SessionStatusCreated] != 1 {
		t.Errorf("Unexpected tracked stats %+v", stats)
	}
	if stats.Completed != 1 || stats.TotalBilled != 300 || stats.AverageDuration != 3 {
		t.Errorf("Unexpected completion stats %+v", stats)
	}

	if got, err := f.manager.GetSession(ctx, a.ID); err != nil || got.Status != types.SessionStatusCompleted {
		t.Errorf("Expected store fallback for ended session, got %+v (%v)", got, err)
	}
}
