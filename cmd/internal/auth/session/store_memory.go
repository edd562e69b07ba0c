package session

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured and in tests.
// A single mutex makes every method atomic, which also serializes check-and-create.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session      // id -> session
	byToken  map[string]string        // tokenId -> session id
	refresh  map[string]*RefreshToken // id -> refresh row
	byHash   map[string]string        // digest -> refresh id
	tickets  map[string]time.Time     // consumed ticket id -> expiry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
		refresh:  make(map[string]*RefreshToken),
		byHash:   make(map[string]string),
		tickets:  make(map[string]time.Time),
	}
}

// CreateWithinLimit implements Store.
func (m *MemoryStore) CreateWithinLimit(ctx context.Context, in CreateInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveLocked(in.Session.UserID)
	if len(live) >= in.MaxSessions {
		return Session{}, &MaxSessionsError{Limit: in.MaxSessions, Sessions: views(live, "")}
	}

	s := in.Session
	s.MarkedAt = nil
	m.sessions[s.ID] = &s
	m.byToken[s.TokenID] = s.ID

	r := in.Refresh
	m.refresh[r.ID] = &r
	m.byHash[r.TokenHash] = r.ID

	return s, nil
}

// CountActive implements Store.
func (m *MemoryStore) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveLocked(userID)), nil
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(userID), nil
}

// GetActiveByTokenID implements Store.
func (m *MemoryStore) GetActiveByTokenID(_ context.Context, tokenID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionByTokenLocked(tokenID)
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, tokenID string, at time.Time, ip net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionByTokenLocked(tokenID)
	if s == nil {
		return nil
	}
	if at.After(s.LastActive) {
		s.LastActive = at
	}
	s.ActivityCount++
	if ip != nil {
		s.LastIP = ip
	}
	return nil
}

// RotateRefresh implements Store.
func (m *MemoryStore) RotateRefresh(ctx context.Context, in RotateInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rid, ok := m.byHash[in.TokenHash]
	if !ok {
		return Session{}, ErrInvalidRefreshToken
	}
	old := m.refresh[rid]
	if old.TokenID != in.TokenID || !old.Usable(in.Now) {
		return Session{}, ErrInvalidRefreshToken
	}
	s := m.sessionByTokenLocked(old.TokenID)
	if s == nil {
		return Session{}, ErrInvalidRefreshToken
	}

	now := in.Now
	old.Revoked = true
	old.RevokedAt = &now

	next := in.Next
	m.refresh[next.ID] = &next
	m.byHash[next.TokenHash] = next.ID

	return *s, nil
}

// MarkForDeletion implements Store.
func (m *MemoryStore) MarkForDeletion(_ context.Context, sessionID, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID || s.Marked() {
		return false, nil
	}
	t := now
	s.MarkedAt = &t
	return true, nil
}

// MarkByTokenID implements Store.
func (m *MemoryStore) MarkByTokenID(_ context.Context, tokenID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.sessionByTokenLocked(tokenID); s != nil {
		t := now
		s.MarkedAt = &t
	}
	return nil
}

// RevokeForLogout implements Store.
func (m *MemoryStore) RevokeForLogout(_ context.Context, userID, tokenID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byToken[tokenID]; ok {
		if s := m.sessions[id]; s.UserID == userID && !s.Marked() {
			t := now
			s.MarkedAt = &t
		}
	}
	for _, r := range m.refresh {
		if r.TokenID == tokenID && r.UserID == userID && !r.Revoked {
			t := now
			r.Revoked = true
			r.RevokedAt = &t
		}
	}
	return nil
}

// LogoutState implements Store.
func (m *MemoryStore) LogoutState(_ context.Context, tokenID string, now time.Time) (LogoutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st LogoutState
	st.SessionLive = m.sessionByTokenLocked(tokenID) != nil
	for _, r := range m.refresh {
		if r.TokenID == tokenID && r.Usable(now) {
			st.RefreshUsable = true
			break
		}
	}
	return st, nil
}

// Terminate implements Store. The mutex stands in for the row lock, so
// lockTimeout is never exceeded here.
func (m *MemoryStore) Terminate(ctx context.Context, userID, sessionID string, _ time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.terminateLocked(userID, sessionID)
}

// TerminatePending implements Store.
func (m *MemoryStore) TerminatePending(ctx context.Context, t TicketUse, sessionID string, _ time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.tickets[t.ID]; used {
		return 0, ErrPendingLoginUsed
	}
	remaining, err := m.terminateLocked(t.UserID, sessionID)
	if err != nil {
		return 0, err
	}
	m.tickets[t.ID] = t.ExpiresAt
	return remaining, nil
}

func (m *MemoryStore) terminateLocked(userID, sessionID string) (int, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID || s.Marked() {
		return 0, ErrSessionNotFound
	}
	m.deleteRefreshByTokenLocked(s.TokenID)
	m.deleteSessionLocked(sessionID)

	return len(m.liveLocked(userID)), nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	if err := ctx.Err(); err != nil {
		return CleanupResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res CleanupResult

	for id, s := range m.sessions {
		if s.Marked() {
			m.deleteRefreshByTokenLocked(s.TokenID)
			m.deleteSessionLocked(id)
			res.MarkedSessions++
		}
	}

	for _, r := range m.refresh {
		if !r.Revoked && !r.ExpiresAt.After(now) {
			t := now
			r.Revoked = true
			r.RevokedAt = &t
			res.ExpiredTokens++
		}
	}

	usable := make(map[string]bool)
	for _, r := range m.refresh {
		if r.Usable(now) {
			usable[r.TokenID] = true
		}
	}
	for id, s := range m.sessions {
		if !usable[s.TokenID] {
			m.deleteSessionLocked(id)
			res.ExpiredSessions++
		}
	}

	for id, r := range m.refresh {
		if _, hasSession := m.byToken[r.TokenID]; r.Revoked || !hasSession {
			delete(m.byHash, r.TokenHash)
			delete(m.refresh, id)
			res.PurgedTokens++
		}
	}

	for id, exp := range m.tickets {
		if !exp.After(now) {
			delete(m.tickets, id)
			res.PurgedTickets++
		}
	}

	return res, nil
}

// EvictOverflow implements Store.
func (m *MemoryStore) EvictOverflow(_ context.Context, limit int, now time.Time) ([]Eviction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]struct{})
	for _, s := range m.sessions {
		if !s.Marked() {
			users[s.UserID] = struct{}{}
		}
	}

	var out []Eviction
	for uid := range users {
		live := m.liveLocked(uid)
		for _, s := range live[min(limit, len(live)):] {
			t := now
			m.sessions[s.ID].MarkedAt = &t
			out = append(out, Eviction{SessionID: s.ID, UserID: uid, LastActive: s.LastActive})
		}
	}
	return out, nil
}

// CountAllActive implements Store.
func (m *MemoryStore) CountAllActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if !s.Marked() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) liveLocked(userID string) []Session {
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Marked() {
			out = append(out, *s)
		}
	}
	sortByActivity(out)
	return out
}

func (m *MemoryStore) sessionByTokenLocked(tokenID string) *Session {
	id, ok := m.byToken[tokenID]
	if !ok {
		return nil
	}
	s := m.sessions[id]
	if s.Marked() {
		return nil
	}
	return s
}

func (m *MemoryStore) deleteSessionLocked(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.byToken, s.TokenID)
	delete(m.sessions, id)
}

func (m *MemoryStore) deleteRefreshByTokenLocked(tokenID string) {
	for id, r := range m.refresh {
		if r.TokenID == tokenID {
			delete(m.byHash, r.TokenHash)
			delete(m.refresh, id)
		}
	}
}

// sortByActivity orders most recently active first; ties break on newest creation then id.
func sortByActivity(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		if !a.LastActive.Equal(b.LastActive) {
			return a.LastActive.After(b.LastActive)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
