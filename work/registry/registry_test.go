package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"iptv-gate/work/fingerprint"
	"iptv-gate/work/types"
)

// memStore is an in-memory Store for exercising the registry without
// SQLite.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*types.Session)}
}

func (m *memStore) FindSession(_ context.Context, userID, fp string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Fingerprint == fp {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertSession(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *memStore) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = at
	}
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, userID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.UserID == userID {
		delete(m.sessions, sessionID)
		return true, nil
	}
	return false, nil
}

func (m *memStore) DeleteSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListSessions(_ context.Context, userID string) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) DeleteIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountAllSessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

func testUser(max int) *types.User {
	return &types.User{
		ID:             "user-1",
		Username:       "alice",
		MaxConnections: max,
		IsActive:       true,
	}
}

func device(ua, ip string) fingerprint.Device {
	return fingerprint.Classify(ua, ip)
}

func TestAcquireGrantsUpToLimit(t *testing.T) {
	reg := New(newMemStore())
	user := testUser(2)
	ctx := context.Background()

	g1, err := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")
	if err != nil || !g1.Granted {
		t.Fatalf("first device: granted=%v err=%v", g1.Granted, err)
	}
	g2, err := reg.AcquireOrRenew(ctx, user, device("VLC/3.0.18", "10.0.0.2"), "10.0.0.2", "VLC/3.0.18")
	if err != nil || !g2.Granted {
		t.Fatalf("second device: granted=%v err=%v", g2.Granted, err)
	}

	g3, err := reg.AcquireOrRenew(ctx, user, device("Kodi/20.2", "10.0.0.3"), "10.0.0.3", "Kodi/20.2")
	if err != nil {
		t.Fatalf("third device: %v", err)
	}
	if g3.Granted {
		t.Fatal("third device should be refused at limit 2")
	}
	if g3.Active != 2 || g3.Limit != 2 {
		t.Errorf("refusal should report 2/2, got %d/%d", g3.Active, g3.Limit)
	}
}

func TestRenewalDoesNotConsumeSlot(t *testing.T) {
	reg := New(newMemStore())
	user := testUser(1)
	ctx := context.Background()

	g1, err := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")
	if err != nil || !g1.Granted {
		t.Fatalf("initial acquire: granted=%v err=%v", g1.Granted, err)
	}

	g2, err := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if !g2.Granted || !g2.Renewed {
		t.Fatalf("same device at capacity should renew, got granted=%v renewed=%v", g2.Granted, g2.Renewed)
	}
	if g2.SessionID != g1.SessionID {
		t.Errorf("renewal should reuse session %s, got %s", g1.SessionID, g2.SessionID)
	}
	if g2.Active != 1 {
		t.Errorf("active count after renewal = %d, want 1", g2.Active)
	}
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	user := testUser(2)
	ctx := context.Background()

	const devices = 20
	var wg sync.WaitGroup
	granted := make(chan bool, devices)

	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ua := fmt.Sprintf("Player/%d.0", i)
			ip := fmt.Sprintf("10.0.1.%d", i)
			g, err := reg.AcquireOrRenew(ctx, user, device(ua, ip), ip, ua)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			granted <- g.Granted
		}(i)
	}
	wg.Wait()
	close(granted)

	wins := 0
	for g := range granted {
		if g {
			wins++
		}
	}
	if wins != 2 {
		t.Errorf("%d devices admitted, want exactly 2", wins)
	}
	if n, _ := store.CountSessions(ctx, user.ID); n != 2 {
		t.Errorf("stored sessions = %d, want 2", n)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	reg := New(newMemStore())
	user := testUser(1)
	ctx := context.Background()

	g1, _ := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")

	removed, err := reg.Release(ctx, user.ID, g1.SessionID)
	if err != nil || !removed {
		t.Fatalf("release: removed=%v err=%v", removed, err)
	}

	g2, err := reg.AcquireOrRenew(ctx, user, device("VLC/3.0.18", "10.0.0.2"), "10.0.0.2", "VLC/3.0.18")
	if err != nil || !g2.Granted {
		t.Fatalf("new device after release: granted=%v err=%v", g2.Granted, err)
	}
}

func TestReleaseUnknownSession(t *testing.T) {
	reg := New(newMemStore())
	removed, err := reg.Release(context.Background(), "user-1", "no-such-session")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if removed {
		t.Error("releasing a nonexistent session should report false")
	}
}

func TestPurgeIdleSparesActiveSessions(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	user := testUser(3)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	stale, _ := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")

	reg.now = func() time.Time { return base.Add(25 * time.Minute) }
	fresh, _ := reg.AcquireOrRenew(ctx, user, device("VLC/3.0.18", "10.0.0.2"), "10.0.0.2", "VLC/3.0.18")

	reg.now = func() time.Time { return base.Add(31 * time.Minute) }
	removed, err := reg.PurgeIdle(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("purged %d sessions, want 1", removed)
	}

	sessions, _ := reg.ListActive(ctx, user.ID)
	if len(sessions) != 1 {
		t.Fatalf("remaining sessions = %d, want 1", len(sessions))
	}
	if sessions[0].ID != fresh.SessionID {
		t.Errorf("survivor = %s, want fresh session %s", sessions[0].ID, fresh.SessionID)
	}
	_ = stale
}

func TestReadmissionAfterPurge(t *testing.T) {
	reg := New(newMemStore())
	user := testUser(1)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	first, _ := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")
	if !first.Granted {
		t.Fatal("initial acquire refused")
	}

	reg.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := reg.PurgeIdle(ctx, 30*time.Minute); err != nil {
		t.Fatalf("purge: %v", err)
	}

	again, err := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !again.Granted || again.Renewed {
		t.Fatalf("purged device should get a fresh grant, got granted=%v renewed=%v", again.Granted, again.Renewed)
	}
	if again.SessionID == first.SessionID {
		t.Error("re-acquire after purge should mint a new session id")
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	reg := New(newMemStore())
	user := testUser(1)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	g, _ := reg.AcquireOrRenew(ctx, user, device("TiviMate/4.7.0", "10.0.0.1"), "10.0.0.1", "TiviMate/4.7.0")

	reg.now = func() time.Time { return base.Add(29 * time.Minute) }
	if err := reg.Touch(ctx, g.SessionID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	reg.now = func() time.Time { return base.Add(45 * time.Minute) }
	removed, _ := reg.PurgeIdle(ctx, 30*time.Minute)
	if removed != 0 {
		t.Errorf("touched session was purged, removed=%d", removed)
	}
}
