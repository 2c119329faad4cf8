package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"iptv-gate/work/admission"
	"iptv-gate/work/client"
	"iptv-gate/work/config"
	"iptv-gate/work/database"
	"iptv-gate/work/playlist"
	"iptv-gate/work/registry"
	"iptv-gate/work/relay"
	"iptv-gate/work/types"
)

// sessionStore is an in-memory registry.Store so the full admission chain
// runs without SQLite.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*types.Session)}
}

func (m *sessionStore) FindSession(_ context.Context, userID, fp string) (*types.Session, error) {
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

func (m *sessionStore) CountSessions(_ context.Context, userID string) (int, error) {
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

func (m *sessionStore) InsertSession(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *sessionStore) TouchSession(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = at
	}
	return nil
}

func (m *sessionStore) DeleteSession(_ context.Context, userID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.UserID == userID {
		delete(m.sessions, sessionID)
		return true, nil
	}
	return false, nil
}

func (m *sessionStore) DeleteSessions(_ context.Context, userID string) (int, error) {
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

func (m *sessionStore) ListSessions(_ context.Context, userID string) ([]types.Session, error) {
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

func (m *sessionStore) DeleteIdleSessions(_ context.Context, cutoff time.Time) (int, error) {
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

func (m *sessionStore) CountAllSessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

type fixedUsers struct {
	user *types.User
}

func (f *fixedUsers) GetUserByUsername(_ context.Context, username string) (*types.User, error) {
	if f.user.Username == username {
		return f.user, nil
	}
	return nil, nil
}

type fixedCatalog struct {
	entries []types.CatalogEntry
}

func (f *fixedCatalog) GetEntryByStreamID(_ context.Context, kind types.ContentKind, streamID string) (*types.CatalogEntry, error) {
	for i := range f.entries {
		if f.entries[i].Kind == kind && f.entries[i].StreamID == streamID {
			return &f.entries[i], nil
		}
	}
	return nil, nil
}

func (f *fixedCatalog) ListCatalog(_ context.Context, filter database.CatalogFilter) ([]types.CatalogEntry, error) {
	var out []types.CatalogEntry
	for _, e := range f.entries {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// TestPlaylistRoundTrip drives the full public surface: a player fetches its
// playlist, follows a rewritten URL, and streams; extra devices beyond the
// connection limit are refused until the reaper frees their slots.
func TestPlaylistRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("SEGMENT"))
	}))
	defer upstream.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := &types.User{
		ID:             "user-1",
		Username:       "alice",
		PasswordHash:   string(hash),
		MaxConnections: 2,
		IsActive:       true,
	}

	catalog := &fixedCatalog{entries: []types.CatalogEntry{
		{StreamID: "42", Name: "News One", Kind: types.KindLive, URL: upstream.URL + "/live/42.ts"},
	}}

	cfg := &config.Config{
		BaseURL:       "http://gate.example.com",
		CacheDuration: time.Minute,
		TouchInterval: time.Minute,
		Upstream: config.UpstreamConfig{
			MaxRetries: 1,
			RetryDelay: 10 * time.Millisecond,
			RateLimit:  100,
			UserAgent:  "IPTVGate/1.0",
		},
	}

	store := newSessionStore()
	reg := registry.New(store)
	ctrl := admission.New(&fixedUsers{user: user}, reg, catalog)
	streamRelay := relay.New(cfg, client.NewHeaderSettingClient(&cfg.Upstream, cfg.StreamTimeout), reg)
	playlists := playlist.New(cfg, ctrl, catalog)

	h := New(ctrl, streamRelay, playlists)
	r := router(h)

	// 1. fetch the playlist
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/playlist/alice/secret.m3u", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist status = %d: %s", rec.Code, rec.Body.String())
	}

	// 2. extract the rewritten stream path
	var streamPath string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, cfg.BaseURL) {
			streamPath = strings.TrimPrefix(line, cfg.BaseURL)
			break
		}
	}
	if streamPath == "" {
		t.Fatalf("no gateway URL in playlist:\n%s", rec.Body.String())
	}

	play := func(ua, ip string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, streamPath, nil)
		req.Header.Set("User-Agent", ua)
		req.Header.Set("X-Forwarded-For", ip)
		r.ServeHTTP(rec, req)
		return rec
	}

	// 3. two devices stream, the third is refused
	if rec := play("TiviMate/4.7.0", "10.0.0.1"); rec.Code != http.StatusOK || rec.Body.String() != "SEGMENT" {
		t.Fatalf("device 1: status %d body %q", rec.Code, rec.Body.String())
	}
	if rec := play("VLC/3.0.18", "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("device 2: status %d", rec.Code)
	}
	if rec := play("Kodi/20.2", "10.0.0.3"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("device 3: status %d, want 429", rec.Code)
	}

	// 4. a known device reconnecting reuses its slot
	if rec := play("TiviMate/4.7.0", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("device 1 reconnect: status %d", rec.Code)
	}
	if n, _ := store.CountSessions(context.Background(), user.ID); n != 2 {
		t.Fatalf("sessions = %d, want 2", n)
	}

	// 5. after the idle purge the refused device gets in
	if _, err := reg.PurgeIdle(context.Background(), -time.Second); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if rec := play("Kodi/20.2", "10.0.0.3"); rec.Code != http.StatusOK {
		t.Fatalf("device 3 after purge: status %d", rec.Code)
	}
}
