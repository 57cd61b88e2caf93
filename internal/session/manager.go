package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"advisorhub/pkg/interfaces"
	"advisorhub/pkg/types"
)

const (
	DefaultMaxParticipants = 10

	ReasonCompleted = "completed"
	ReasonOrphaned  = "orphaned"
)

// Config bounds tracked sessions.
type Config struct {
	MaxParticipants int
}

// EndOptions describes why a session ended.
type EndOptions struct {
	EndReason string
}

// Stats summarizes tracked and completed sessions. Durations are minutes,
// amounts cents.
type Stats struct {
	TotalActive     int            `json:"totalActive"`
	ByStatus        map[string]int `json:"byStatus"`
	ByType          map[string]int `json:"byType"`
	Completed       int            `json:"completed"`
	AverageDuration float64        `json:"averageDuration"`
	TotalBilled     int64          `json:"totalBilled"`
}

// Manager owns the lifecycle of billable call sessions: creation, monotonic
// status transitions, billing at the end and the orphan sweep.
type Manager struct {
	store    interfaces.SessionStore
	members  interfaces.SessionMembership
	notifier interfaces.Notifier
	logger   *zap.Logger

	maxParticipants int

	mu       sync.RWMutex
	sessions map[int64]*types.CallSession
	closing  map[int64]bool
	now      func() time.Time

	completed    int
	totalMinutes int64
	totalBilled  int64
}

// NewManager creates a session manager.
func NewManager(store interfaces.SessionStore, members interfaces.SessionMembership, notifier interfaces.Notifier, config Config, logger *zap.Logger) *Manager {
	if config.MaxParticipants <= 0 {
		config.MaxParticipants = DefaultMaxParticipants
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:           store,
		members:         members,
		notifier:        notifier,
		logger:          logger,
		maxParticipants: config.MaxParticipants,
		sessions:        make(map[int64]*types.CallSession),
		closing:         make(map[int64]bool),
		now:             time.Now,
	}
}

// SetClock replaces the time source used for start/end stamps and billing.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// LoadActiveSessions tracks every non-completed session in the store and
// restores its membership. It returns how many sessions were loaded.
func (m *Manager) LoadActiveSessions(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active sessions: %w", err)
	}

	loaded := 0
	m.mu.Lock()
	for _, s := range sessions {
		if s == nil || types.IsTerminal(s.Status) {
			continue
		}
		tracked := s.Clone()
		tracked.Participants = withParticipant(withParticipant(tracked.Participants, s.UserID), s.AdvisorID)
		m.sessions[s.ID] = tracked
		loaded++
	}
	restored := m.snapshotLocked()
	m.mu.Unlock()

	for _, s := range restored {
		for _, userID := range s.Participants {
			m.members.AddUserToSession(userID, s.ID)
		}
	}

	m.logger.Info("active sessions loaded", zap.Int("count", loaded))
	return loaded, nil
}

// CreateSession validates req, persists the session in the created state and
// joins the requester and the advisor to it.
func (m *Manager) CreateSession(ctx context.Context, req types.CreateSessionRequest) (*types.CallSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	created, err := m.store.CreateSession(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	tracked := created.Clone()
	tracked.Status = types.SessionStatusCreated
	tracked.Participants = []int64{req.UserID, req.AdvisorID}
	tracked.BilledAmount = nil
	tracked.ActualDuration = nil

	m.mu.Lock()
	m.sessions[tracked.ID] = tracked
	out := tracked.Clone()
	m.mu.Unlock()

	m.members.AddUserToSession(req.UserID, tracked.ID)
	m.members.AddUserToSession(req.AdvisorID, tracked.ID)

	m.logger.Info("session created",
		zap.Int64("session_id", tracked.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("advisor_id", req.AdvisorID),
		zap.String("session_type", req.SessionType),
	)
	return out, nil
}

// GetActiveSession returns a copy of a tracked session, or nil once it has
// ended or if it was never tracked.
func (m *Manager) GetActiveSession(sessionID int64) *types.CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID].Clone()
}

// GetSession returns a tracked session or falls back to the store.
func (m *Manager) GetSession(ctx context.Context, sessionID int64) (*types.CallSession, error) {
	if s := m.GetActiveSession(sessionID); s != nil {
		return s, nil
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSessionStatus moves a tracked session forward. Repeating the current
// status is a no-op, moving backwards fails with ErrInvalidTransition, and
// completed is routed through EndSession.
func (m *Manager) UpdateSessionStatus(ctx context.Context, sessionID int64, status string) (*types.CallSession, error) {
	if !types.IsValidSessionStatus(status) {
		return nil, types.ErrInvalidSessionStatus
	}
	if status == types.SessionStatusCompleted {
		final := m.GetActiveSession(sessionID)
		result, err := m.EndSession(ctx, sessionID, EndOptions{EndReason: ReasonCompleted})
		if err != nil {
			return nil, err
		}
		if final == nil {
			final = &types.CallSession{ID: sessionID}
		}
		final.Status = types.SessionStatusCompleted
		final.EndReason = ReasonCompleted
		final.ActualEndTime = &result.ActualEndTime
		final.ActualDuration = &result.ActualDuration
		final.BilledAmount = &result.BilledAmount
		return final, nil
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if m.closing[sessionID] {
		m.mu.Unlock()
		return nil, ErrSessionEnding
	}
	if s.Status == status {
		out := s.Clone()
		m.mu.Unlock()
		return out, nil
	}
	if !types.CanTransition(s.Status, status) {
		from := s.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	previous := s.Status
	s.Status = status
	stampedStart := false
	if status == types.SessionStatusActive && s.ActualStartTime == nil {
		started := m.now()
		s.ActualStartTime = &started
		stampedStart = true
	}
	update := types.SessionUpdate{Status: status, ActualStartTime: s.ActualStartTime}
	out := s.Clone()
	m.mu.Unlock()

	if err := m.store.UpdateSession(ctx, sessionID, update); err != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[sessionID]; ok && cur.Status == status {
			cur.Status = previous
			if stampedStart {
				cur.ActualStartTime = nil
			}
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to update session %d: %w", sessionID, err)
	}

	m.logger.Info("session status changed",
		zap.Int64("session_id", sessionID),
		zap.String("from", previous),
		zap.String("to", status),
	)

	env := types.NewEnvelope(types.TypeSessionUpdate, types.SessionUpdateNotice{
		SessionID:    sessionID,
		Status:       status,
		Participants: out.Participants,
	}, 0)
	env.SessionID = sessionID
	m.notifyMembers(sessionID, env)

	return out, nil
}

// EndSession bills and completes a tracked session. Duration is counted in
// whole minutes, rounded up, from the moment the session became active; a
// session that never went active bills zero. If the store fails the session
// stays tracked.
func (m *Manager) EndSession(ctx context.Context, sessionID int64, opts EndOptions) (*types.BillingResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if m.closing[sessionID] {
		m.mu.Unlock()
		return nil, ErrSessionEnding
	}
	m.closing[sessionID] = true

	endedAt := m.now()
	minutes := billableMinutes(s.ActualStartTime, endedAt)
	data := types.EndSessionData{
		EndReason:      opts.EndReason,
		ActualEndTime:  endedAt,
		ActualDuration: minutes,
		BilledAmount:   minutes * s.RatePerMinute,
	}
	m.mu.Unlock()

	result, err := m.store.EndSession(ctx, sessionID, data)
	if err != nil {
		m.mu.Lock()
		delete(m.closing, sessionID)
		m.mu.Unlock()
		m.logger.Error("failed to end session", zap.Int64("session_id", sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to end session %d: %w", sessionID, err)
	}
	if result == nil {
		result = &types.BillingResult{
			SessionID:      sessionID,
			BilledAmount:   data.BilledAmount,
			ActualDuration: data.ActualDuration,
			ActualEndTime:  data.ActualEndTime,
		}
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.closing, sessionID)
	m.completed++
	m.totalMinutes += result.ActualDuration
	m.totalBilled += result.BilledAmount
	m.mu.Unlock()

	env := types.NewEnvelope(types.TypeSessionEnd, types.SessionEndNotice{
		SessionID:      sessionID,
		EndReason:      opts.EndReason,
		BilledAmount:   result.BilledAmount,
		ActualDuration: result.ActualDuration,
	}, 0)
	env.SessionID = sessionID
	for _, userID := range m.notifyMembers(sessionID, env) {
		m.members.RemoveUserFromSession(userID, sessionID)
	}

	m.logger.Info("session ended",
		zap.Int64("session_id", sessionID),
		zap.String("reason", opts.EndReason),
		zap.Int64("duration_minutes", result.ActualDuration),
		zap.Int64("billed_amount", result.BilledAmount),
	)
	return result, nil
}

func billableMinutes(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	elapsed := end.Sub(*start)
	if elapsed <= 0 {
		return 0
	}
	minutes := int64(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// notifyMembers sends env to every member of sessionID and returns the
// member list it used.
func (m *Manager) notifyMembers(sessionID int64, env types.Envelope) []int64 {
	members := m.members.GetUsersInSession(sessionID)
	for _, userID := range members {
		env.To = userID
		m.notifier.SendToUser(userID, env)
	}
	return members
}

// CleanupOrphanedSessions ends, with reason "orphaned", every active or
// ending session none of whose members is connected, and every created or
// connecting session whose membership has been vacated. Creation joins both
// parties, so an empty pre-active session is one they connected to and then
// left; one still waiting for its parties keeps its members and survives.
// It returns the IDs it ended; sessions that failed to end are reported in
// the joined error.
func (m *Manager) CleanupOrphanedSessions(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	var started, pending []int64
	for id, s := range m.sessions {
		if m.closing[id] {
			continue
		}
		switch s.Status {
		case types.SessionStatusActive, types.SessionStatusEnding:
			started = append(started, id)
		case types.SessionStatusCreated, types.SessionStatusConnecting:
			pending = append(pending, id)
		}
	}
	m.mu.RUnlock()

	var candidates []int64
	for _, id := range started {
		if !m.anyMemberConnected(id) {
			candidates = append(candidates, id)
		}
	}
	for _, id := range pending {
		if len(m.members.GetUsersInSession(id)) == 0 {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var ended []int64
	var errs []error
	for _, id := range candidates {
		if _, err := m.EndSession(ctx, id, EndOptions{EndReason: ReasonOrphaned}); err != nil {
			if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionEnding) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		ended = append(ended, id)
	}

	if len(ended) > 0 {
		m.logger.Info("orphaned sessions ended", zap.Int64s("session_ids", ended))
	}
	return ended, errors.Join(errs...)
}

func (m *Manager) anyMemberConnected(sessionID int64) bool {
	for _, userID := range m.members.GetUsersInSession(sessionID) {
		if m.notifier.IsUserConnected(userID) {
			return true
		}
	}
	return false
}

// AddParticipant adds userID to a tracked session and to its membership.
func (m *Manager) AddParticipant(sessionID, userID int64) error {
	if !types.IsValidID(userID) {
		return types.ErrInvalidUserID
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if containsID(s.Participants, userID) {
		m.mu.Unlock()
		m.members.AddUserToSession(userID, sessionID)
		return nil
	}
	if len(s.Participants) >= m.maxParticipants {
		m.mu.Unlock()
		return ErrSessionFull
	}
	s.Participants = append(s.Participants, userID)
	m.mu.Unlock()

	m.members.AddUserToSession(userID, sessionID)
	return nil
}

// RemoveParticipant drops userID from a tracked session and its membership.
func (m *Manager) RemoveParticipant(sessionID, userID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Participants = withoutID(s.Participants, userID)
	m.mu.Unlock()

	m.members.RemoveUserFromSession(userID, sessionID)
	return nil
}

func (m *Manager) IsUserInSession(sessionID, userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return ok && containsID(s.Participants, userID)
}

func (m *Manager) GetSessionParticipants(sessionID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]int64(nil), s.Participants...)
}

// GetAllActiveSessions returns copies of every tracked session ordered by ID.
func (m *Manager) GetAllActiveSessions() []*types.CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) GetUserActiveSessions(userID int64) []*types.CallSession {
	return m.filter(func(s *types.CallSession) bool { return s.UserID == userID })
}

func (m *Manager) GetAdvisorActiveSessions(advisorID int64) []*types.CallSession {
	return m.filter(func(s *types.CallSession) bool { return s.AdvisorID == advisorID })
}

func (m *Manager) filter(keep func(*types.CallSession) bool) []*types.CallSession {
	var out []*types.CallSession
	for _, s := range m.GetAllActiveSessions() {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) snapshotLocked() []*types.CallSession {
	out := make([]*types.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSessionStats reports tracked sessions by status and type plus totals for
// sessions completed by this process.
func (m *Manager) GetSessionStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalActive: len(m.sessions),
		ByStatus:    make(map[string]int),
		ByType:      make(map[string]int),
		Completed:   m.completed,
		TotalBilled: m.totalBilled,
	}
	for _, s := range m.sessions {
		stats.ByStatus[s.Status]++
		stats.ByType[s.SessionType]++
	}
	if m.completed > 0 {
		stats.AverageDuration = float64(m.totalMinutes) / float64(m.completed)
	}
	return stats
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func withParticipant(ids []int64, id int64) []int64 {
	if containsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

func withoutID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
