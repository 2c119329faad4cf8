// Package registry owns session slot accounting. Every admission decision
// for a user runs under that user's lock, so the count-then-insert sequence
// is atomic per user: two devices racing for the last slot serialize, and
// exactly one wins.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"iptv-gate/work/fingerprint"
	"iptv-gate/work/logger"
	"iptv-gate/work/metrics"
	"iptv-gate/work/types"
)

// Store is the persistence surface the registry drives. *database.DB
// satisfies it.
type Store interface {
	FindSession(ctx context.Context, userID, fingerprint string) (*types.Session, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	InsertSession(ctx context.Context, s *types.Session) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)
	DeleteSessions(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string) ([]types.Session, error)
	DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
	CountAllSessions(ctx context.Context) (int, error)
}

// Registry tracks which devices hold a slot for each user.
type Registry struct {
	store Store
	locks *xsync.MapOf[string, *sync.Mutex]
	now   func() time.Time
}

// New creates a registry backed by the given store.
func New(store Store) *Registry {
	return &Registry{
		store: store,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
		now:   time.Now,
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	mu, _ := r.locks.LoadOrCompute(userID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

// AcquireOrRenew admits a device for the user. A device already holding a
// slot gets its session renewed without consuming another slot. A new
// device takes a free slot, or is refused when the user is at capacity.
// Refusal is reported through Grant.Granted, not an error: errors mean the
// store failed.
func (r *Registry) AcquireOrRenew(ctx context.Context, user *types.User, device fingerprint.Device, ipAddress, userAgent string) (types.Grant, error) {
	mu := r.userLock(user.ID)
	mu.Lock()
	defer mu.Unlock()

	now := r.now().UTC()

	existing, err := r.store.FindSession(ctx, user.ID, device.Fingerprint)
	if err != nil {
		return types.Grant{}, err
	}

	if existing != nil {
		if err := r.store.TouchSession(ctx, existing.ID, now); err != nil {
			return types.Grant{}, err
		}
		active, err := r.store.CountSessions(ctx, user.ID)
		if err != nil {
			return types.Grant{}, err
		}
		metrics.AdmissionDecisions.WithLabelValues("renewed").Inc()
		logger.Debug("{registry - AcquireOrRenew} renewed session %s for user %s (%s)",
			existing.ID, user.Username, device.Name)
		return types.Grant{
			Granted:   true,
			Renewed:   true,
			SessionID: existing.ID,
			Active:    active,
			Limit:     user.MaxConnections,
		}, nil
	}

	active, err := r.store.CountSessions(ctx, user.ID)
	if err != nil {
		return types.Grant{}, err
	}

	if active >= user.MaxConnections {
		metrics.AdmissionDecisions.WithLabelValues("capacity_exceeded").Inc()
		logger.Info("{registry - AcquireOrRenew} refused %s for user %s: %d/%d slots in use",
			device.Name, user.Username, active, user.MaxConnections)
		return types.Grant{
			Granted: false,
			Active:  active,
			Limit:   user.MaxConnections,
		}, nil
	}

	session := &types.Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Fingerprint:  device.Fingerprint,
		DeviceName:   device.Name,
		DeviceType:   device.Type,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := r.store.InsertSession(ctx, session); err != nil {
		return types.Grant{}, err
	}

	metrics.AdmissionDecisions.WithLabelValues("granted").Inc()
	metrics.ActiveSessions.Inc()
	logger.Info("{registry - AcquireOrRenew} granted slot %d/%d to %s for user %s",
		active+1, user.MaxConnections, device.Name, user.Username)

	return types.Grant{
		Granted:   true,
		SessionID: session.ID,
		Active:    active + 1,
		Limit:     user.MaxConnections,
	}, nil
}

// Touch renews a session's activity timestamp. Used by long-lived relays to
// keep the slot out of the reaper's reach.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	return r.store.TouchSession(ctx, sessionID, r.now().UTC())
}

// Release frees one of the user's slots. Returns false when the session did
// not exist, which callers surface as not-found rather than an error.
func (r *Registry) Release(ctx context.Context, userID, sessionID string) (bool, error) {
	mu := r.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := r.store.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		return false, err
	}
	if removed {
		metrics.ActiveSessions.Dec()
		logger.Debug("{registry - Release} released session %s for user %s", sessionID, userID)
	}
	return removed, nil
}

// ReleaseAll frees every slot the user holds and returns how many were
// released.
func (r *Registry) ReleaseAll(ctx context.Context, userID string) (int, error) {
	mu := r.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := r.store.DeleteSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.ActiveSessions.Sub(float64(removed))
		logger.Info("{registry - ReleaseAll} released %d sessions for user %s", removed, userID)
	}
	return removed, nil
}

// ListActive returns the user's current sessions, most recently active
// first.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]types.Session, error) {
	return r.store.ListSessions(ctx, userID)
}

// PurgeIdle removes every session idle longer than timeout and returns how
// many were removed. No per-user lock is taken: the store's delete re-checks
// staleness atomically, so a renewal racing the purge keeps its slot.
func (r *Registry) PurgeIdle(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-timeout)

	removed, err := r.store.DeleteIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.ActiveSessions.Sub(float64(removed))
		metrics.SessionsReaped.Add(float64(removed))
		logger.Info("{registry - PurgeIdle} removed %d idle sessions older than %s", removed, timeout)
	}
	return removed, nil
}

// ActiveCount reports the total number of sessions across all users.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	return r.store.CountAllSessions(ctx)
}
